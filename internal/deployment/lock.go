package deployment

import "sync"

// LockManager hands out one mutex per application so a pipeline and a
// delete never touch the same deploy directory at once.
//
// The outer mutex only guards the map; the per-app mutexes do the real
// exclusion, so different applications never wait on each other.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (lm *LockManager) get(app string) *sync.Mutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lock, exists := lm.locks[app]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[app] = lock
	}
	return lock
}

// Lock blocks until the application's lock is held.
func (lm *LockManager) Lock(app string) {
	lm.get(app).Lock()
}

// TryLock acquires the application's lock without waiting. It returns
// false when somebody else holds it.
func (lm *LockManager) TryLock(app string) bool {
	return lm.get(app).TryLock()
}

// Unlock releases the lock for app. Unlocking an unknown app is a no-op.
func (lm *LockManager) Unlock(app string) {
	lm.mu.Lock()
	lock := lm.locks[app]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
