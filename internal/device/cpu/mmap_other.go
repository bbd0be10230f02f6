//go:build !unix

package cpu

func mapRegion(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion([]byte) error {
	return nil
}
