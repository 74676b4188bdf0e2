package syncer

import "sync"

// passLocks is the advisory lock keyed by integration id. At most one pass
// runs per integration; a second trigger is rejected, never queued, so two
// passes can never race on the same SyncRecords.
type passLocks struct {
	mu     sync.Mutex
	active map[string]bool
}

func newPassLocks() *passLocks {
	return &passLocks{active: make(map[string]bool)}
}

// TryAcquire attempts to take the lock for an integration. Returns false
// when a pass is already active.
func (l *passLocks) TryAcquire(integrationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[integrationID] {
		return false
	}
	l.active[integrationID] = true
	return true
}

// Release frees the lock. Safe to call for a lock not held.
func (l *passLocks) Release(integrationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, integrationID)
}
