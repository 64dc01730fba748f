//go:build !unix

package hv

import "fmt"

func allocateBacking(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}

func mapDeviceMemory(path string, offset, size uint64) ([]byte, func() error, error) {
	return nil, nil, fmt.Errorf("device memory %s: %w", path, ErrNoBacking)
}
