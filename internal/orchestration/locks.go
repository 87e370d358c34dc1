package orchestration

import (
	"sync"
	"time"
)

// staleLockAge is how old a held lock must be before a new owner may seize it.
const staleLockAge = 30 * time.Minute

// LockInfo describes the current holder of an orchestration lock.
type LockInfo struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// lockTable hands out advisory per-orchestration locks and per-projectPath
// creation locks. Locks are process-local; the control plane is single-node.
type lockTable struct {
	mu     sync.Mutex
	held   map[string]LockInfo
	create map[string]*sync.Mutex
	now    func() time.Time
}

func newLockTable() *lockTable {
	return &lockTable{
		held:   make(map[string]LockInfo),
		create: make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Acquire takes the orchestration lock. A stale holder (older than 30 min) is
// seized. Returns false with the holder's info when busy.
func (t *lockTable) Acquire(id, owner string) (bool, LockInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	if info, ok := t.held[id]; ok && now.Sub(info.AcquiredAt) < staleLockAge {
		return false, info
	}
	info := LockInfo{Owner: owner, AcquiredAt: now}
	t.held[id] = info
	return true, info
}

// Release drops the lock if owner still holds it.
func (t *lockTable) Release(id, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.held[id]; ok && info.Owner == owner {
		delete(t.held, id)
	}
}

// Holder returns the current lock info, if any.
func (t *lockTable) Holder(id string) (LockInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.held[id]
	return info, ok
}

// CreateLock returns the mutex serializing creations for one projectPath.
func (t *lockTable) CreateLock(projectPath string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.create[projectPath]
	if !ok {
		mu = &sync.Mutex{}
		t.create[projectPath] = mu
	}
	return mu
}

// Drop removes all lock state for an orchestration id.
func (t *lockTable) Drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, id)
}
