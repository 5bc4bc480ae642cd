package engine

import "sync"

// instanceLocks provides at-most-one-in-flight-per-instance execution.
// Unrelated instances never contend; timer callbacks and human decisions on
// the same instance do.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{
		locks: make(map[int64]*sync.Mutex),
	}
}

// get returns the mutex for an instance, creating it on first use.
// Locks are retained for the process lifetime; the map grows with the number
// of distinct instances touched, which is acceptable for a single deployment.
func (l *instanceLocks) get(instanceID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	return m
}
