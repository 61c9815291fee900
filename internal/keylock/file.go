package keylock

import (
	"github.com/gofrs/flock"
)

// TryLockFile takes an exclusive advisory lock on path without waiting,
// creating the file if needed. Unlike Locker keys, the lock is visible to
// other processes, and two callers in one process exclude each other too.
// ok is false if someone else holds it.
func TryLockFile(path string) (unlock func(), ok bool, err error) {
	fl := flock.New(path)
	ok, err = fl.TryLock()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() { _ = fl.Unlock() }, true, nil
}
