package ioport

import (
	"errors"
	"fmt"
)

var ErrUnsupportedAccess = errors.New("unsupported port access")

// Handler services port accesses for one registered range. size is 1, 2
// or 4 bytes; values are zero-extended to 32 bits.
type Handler interface {
	In(port uint16, size int) (uint32, error)
	Out(port uint16, size int, value uint32) error
}

// Funcs adapts a pair of closures to Handler. A nil Read or Write fails the
// corresponding access with ErrUnsupportedAccess.
type Funcs struct {
	Read  func(port uint16, size int) (uint32, error)
	Write func(port uint16, size int, value uint32) error
}

func (f Funcs) In(port uint16, size int) (uint32, error) {
	if f.Read == nil {
		return 0, fmt.Errorf("in %#04x: %w", port, ErrUnsupportedAccess)
	}
	return f.Read(port, size)
}

func (f Funcs) Out(port uint16, size int, value uint32) error {
	if f.Write == nil {
		return fmt.Errorf("out %#04x: %w", port, ErrUnsupportedAccess)
	}
	return f.Write(port, size, value)
}

// SizeMask returns the value mask for an access of size bytes.
func SizeMask(size int) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffffffff
	}
}

var _ Handler = Funcs{}
