//go:build unix

package hv

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func allocateBacking(size uint64) ([]byte, func() error, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %#x bytes: %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

func mapDeviceMemory(path string, offset, size uint64) ([]byte, func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open device memory: %w", err)
	}
	// The mapping keeps the pages alive after the descriptor is closed.
	defer f.Close()

	mem, err := unix.Mmap(
		int(f.Fd()),
		int64(offset),
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap device memory at %#x: %w", offset, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
