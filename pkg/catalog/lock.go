package catalog

import "sync"

// nowaitLocker implements TryLock for both MemStore and BoltStore: a set of
// per-resource mutexes where acquisition never blocks. Since bbolt itself
// serializes writers, this models row-level nowait locking above the
// storage layer rather than relying on a blocking database lock.
type nowaitLocker struct {
	mu    sync.Mutex
	held  map[string]struct{}
}

func newNowaitLocker() *nowaitLocker {
	return &nowaitLocker{held: make(map[string]struct{})}
}

func (l *nowaitLocker) TryLock(resource string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[resource]; busy {
		return nil, false
	}
	l.held[resource] = struct{}{}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, resource)
	}, true
}
