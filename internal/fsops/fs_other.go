//go:build !linux && !darwin

package fsops

import (
	"errors"
	"os"
)

var errFreeSpaceUnsupported = errors.New("free space check not supported on this platform")

func freeSpace(string) (uint64, error) {
	return 0, errFreeSpaceUnsupported
}

func linkUnsupported(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrExist)
}
