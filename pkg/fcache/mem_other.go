//go:build !linux

package fcache

// mapUnit allocates unit memory on the Go heap where mmap is unavailable.
func mapUnit(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapUnit(buf []byte) error { return nil }
