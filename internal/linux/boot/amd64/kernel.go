package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	setupSectsOffset   = setupHeaderOffset
	headerLengthOffset = 0x201
	xloadflagsOffset   = 0x236

	// 64-bit entry point relative to the protected-mode payload.
	entry64Offset = 0x200
)

// KernelImage is a kernel payload staged on the host. Raw images are copied
// to the load address verbatim; bzImages are split at the end of the real
// mode setup code.
type KernelImage struct {
	Data []byte

	// BzImage is set when Data carries a Linux/x86 setup header.
	BzImage bool

	ProtocolVersion   uint16
	KernelAlignment   uint32
	RelocatableKernel bool
	XLoadFlags        uint16
	PayloadOffset     int
}

// ParseKernelImage inspects data for a Linux/x86 setup header. Data without
// a "HdrS" signature is treated as a raw protected-mode payload.
func ParseKernelImage(data []byte) (*KernelImage, error) {
	img := &KernelImage{Data: data}
	if len(data) < setupHeaderHeaderOffset+4 ||
		binary.LittleEndian.Uint32(data[setupHeaderHeaderOffset:]) != HeaderMagic {
		return img, nil
	}

	headerEnd := headerLengthOffset + 1 + int(data[headerLengthOffset])
	if headerEnd > len(data) {
		return nil, errors.New("setup header extends past end of image")
	}

	setupSects := int(data[setupSectsOffset])
	if setupSects == 0 {
		setupSects = 4
	}
	payloadOffset := 512 * (1 + setupSects)
	if payloadOffset > len(data) {
		return nil, fmt.Errorf("payload offset %d exceeds image size %d", payloadOffset, len(data))
	}

	img.BzImage = true
	img.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	// Fields past the advertised header length stay zero.
	if relocatableKernelOffset < headerEnd {
		img.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset:])
		img.RelocatableKernel = data[relocatableKernelOffset] != 0
	}
	if xloadflagsOffset+2 <= headerEnd {
		img.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	}
	img.PayloadOffset = payloadOffset
	return img, nil
}

// Payload returns the bytes that belong at the kernel load address.
func (k *KernelImage) Payload() []byte {
	return k.Data[k.PayloadOffset:]
}

// EntryPoint returns the entry GPA when the payload sits at loadAddr. A
// non-zero override wins; bzImages enter at the 64-bit entry.
func (k *KernelImage) EntryPoint(loadAddr, override uint64) uint64 {
	if override != 0 {
		return override
	}
	if k.BzImage && k.XLoadFlags&0x1 != 0 {
		return loadAddr + entry64Offset
	}
	return loadAddr
}
