package upload

import (
	"sync"

	"github.com/google/uuid"
)

// sessionLocks serializes operations on the same session without any
// global serialization point: each session gets its own mutex, created on
// first use. The lock protects bitmap and state mutations only, never the
// chunk byte transfer itself.
type sessionLocks struct {
	mu sync.Map // uuid.UUID -> *sync.Mutex
}

func (l *sessionLocks) get(id uuid.UUID) *sync.Mutex {
	if m, ok := l.mu.Load(id); ok {
		return m.(*sync.Mutex)
	}
	m, _ := l.mu.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// lock blocks until the session lock is held and returns the unlock func.
func (l *sessionLocks) lock(id uuid.UUID) func() {
	m := l.get(id)
	m.Lock()
	return m.Unlock
}

// tryLock acquires the session lock without blocking. The sweep uses this
// to skip sessions another operation currently holds.
func (l *sessionLocks) tryLock(id uuid.UUID) (func(), bool) {
	m := l.get(id)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// forget drops the lock entry for a deleted session.
func (l *sessionLocks) forget(id uuid.UUID) {
	l.mu.Delete(id)
}
