//go:build unix

package vmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Reserve maps length bytes of anonymous, private, read-write memory.
// The mapping is created with MAP_NORESERVE: pages consume no physical
// backing until first touched.
func Reserve(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("vmem: invalid reservation length %d", length)
	}
	data, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("vmem: mmap %d bytes: %w", length, err)
	}
	return data, nil
}

// Release unmaps a range previously returned by Reserve.
func Release(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}

// Advise tells the OS to drop the physical backing of the range while
// keeping the reservation. The range must be page-aligned and must lie
// inside a mapping returned by Reserve.
func Advise(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Madvise(data, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vmem: madvise %d bytes: %w", len(data), err)
	}
	return nil
}
