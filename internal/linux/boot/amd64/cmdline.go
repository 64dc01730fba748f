package amd64

import (
	"fmt"
	"strings"

	"github.com/tinyrange/guestboot/internal/hv"
)

// CommandLine records where the kernel command line was placed.
type CommandLine struct {
	GPA uint64
	// Len excludes the terminating NUL.
	Len int
}

// WriteCommandLine copies cmdline into freshly allocated guest memory
// followed by a NUL byte.
func WriteCommandLine(mem hv.GuestMemory, cmdline string) (CommandLine, error) {
	if i := strings.IndexByte(cmdline, 0); i >= 0 {
		return CommandLine{}, fmt.Errorf("cmdline: NUL byte at offset %d", i)
	}

	size := uint64(len(cmdline)) + 1
	gpa, err := mem.Allocate(size)
	if err != nil {
		return CommandLine{}, fmt.Errorf("cmdline: allocate %d bytes: %w", size, err)
	}

	err = mem.Borrow(gpa, size, func(buf []byte) error {
		n := copy(buf, cmdline)
		buf[n] = 0
		return nil
	})
	if err != nil {
		return CommandLine{}, fmt.Errorf("cmdline: write at %#x: %w", gpa, err)
	}

	return CommandLine{GPA: gpa, Len: len(cmdline)}, nil
}
