// Package keylock provides mutual exclusion scoped to string keys.
//
// It is used for the per-profile overlay mutation scope, the per-profile
// build slot and the per-hash blob scope shared by ingestion and the
// garbage collector. Entries are reference counted and dropped once no
// goroutine holds or waits on them. TryLockFile extends a scope to other
// processes through an advisory file lock.
package keylock

import "sync"

// Locker hands out one mutex per key.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

func (l *Locker) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is held and returns the function releasing it.
func (l *Locker) Lock(key string) func() {
	e := l.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.release(key, e)
	}
}

// TryLock acquires key without waiting. ok is false if key is already held.
func (l *Locker) TryLock(key string) (unlock func(), ok bool) {
	e := l.acquire(key)
	if !e.mu.TryLock() {
		l.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		l.release(key, e)
	}, true
}
