//go:build linux

package fcache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapUnit allocates unit memory via mmap
func mapUnit(size int) ([]byte, error) {
	buf, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap cache unit: %w", err)
	}
	return buf, nil
}

// unmapUnit releases memory returned by mapUnit
func unmapUnit(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
