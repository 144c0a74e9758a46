package compaction

import "sync"

// SnapshotKeeper retains the most recent budget snapshot per session.
// Older snapshots are discarded on write.
type SnapshotKeeper struct {
	mu    sync.RWMutex
	byOne map[string]Snapshot
}

// NewSnapshotKeeper creates an empty keeper.
func NewSnapshotKeeper() *SnapshotKeeper {
	return &SnapshotKeeper{byOne: map[string]Snapshot{}}
}

// Put replaces the stored snapshot for sessionID.
func (k *SnapshotKeeper) Put(sessionID string, snap Snapshot) {
	k.mu.Lock()
	k.byOne[sessionID] = snap
	k.mu.Unlock()
}

// Get returns the last snapshot for sessionID.
func (k *SnapshotKeeper) Get(sessionID string) (Snapshot, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	snap, ok := k.byOne[sessionID]
	return snap, ok
}

// Forget drops the stored snapshot for sessionID.
func (k *SnapshotKeeper) Forget(sessionID string) {
	k.mu.Lock()
	delete(k.byOne, sessionID)
	k.mu.Unlock()
}
