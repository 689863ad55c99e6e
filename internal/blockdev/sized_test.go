package blockdev_test

import "os"

// createSized creates a regular file of the given size at path, for use as
// a file-backed stand-in for a block device in tests.
func createSized(path string, size int64) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
