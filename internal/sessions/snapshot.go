package sessions

import (
	"context"
	"errors"
	"strconv"
	"time"

	"omniagent/pkg/models"
)

// ErrNoSnapshot indicates no saved snapshot exists for a session.
var ErrNoSnapshot = errors.New("no saved session context snapshot")

// Snapshot is an immutable capture of a session's message log.
type Snapshot struct {
	Messages []models.ChatMessage
	SavedAt  time.Time
}

// snapshotMetaName tags the system message that carries the save timestamp.
const snapshotMetaName = "snapshot_meta"

// Snapshots manages at most one saved snapshot per session, stored in the
// session store under a namespaced session id. Reusing the store keeps
// snapshot durability identical to the session log's.
type Snapshots struct {
	store Store
	now   func() time.Time
}

// NewSnapshots creates a snapshot manager over store.
func NewSnapshots(store Store) *Snapshots {
	return &Snapshots{store: store, now: time.Now}
}

// Save captures the current log of sessionID, overwriting any prior
// snapshot. Saving an empty log drops the snapshot instead.
func (s *Snapshots) Save(ctx context.Context, sessionID string) (int, error) {
	msgs, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	snapID := SnapshotSessionID(sessionID)
	if len(msgs) == 0 {
		return 0, s.store.Clear(ctx, snapID)
	}

	record := make([]models.ChatMessage, 0, len(msgs)+1)
	record = append(record, models.ChatMessage{
		Role:    models.RoleSystem,
		Name:    snapshotMetaName,
		Content: strconv.FormatInt(s.now().UnixMilli(), 10),
	})
	record = append(record, msgs...)
	if err := s.store.Replace(ctx, snapID, record); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Load returns the saved snapshot for sessionID.
func (s *Snapshots) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	record, err := s.store.Get(ctx, SnapshotSessionID(sessionID))
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, ErrNoSnapshot
	}

	snap := &Snapshot{}
	if record[0].Role == models.RoleSystem && record[0].Name == snapshotMetaName {
		if ms, err := strconv.ParseInt(record[0].Content, 10, 64); err == nil {
			snap.SavedAt = time.UnixMilli(ms)
		}
		record = record[1:]
	}
	snap.Messages = record
	return snap, nil
}

// Restore replaces the live session log with the saved snapshot and drops
// the snapshot. Returns the number of messages restored.
func (s *Snapshots) Restore(ctx context.Context, sessionID string) (int, error) {
	snap, err := s.Load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := s.store.Replace(ctx, sessionID, snap.Messages); err != nil {
		return 0, err
	}
	if err := s.Drop(ctx, sessionID); err != nil {
		return 0, err
	}
	return len(snap.Messages), nil
}

// Drop removes the saved snapshot, if any.
func (s *Snapshots) Drop(ctx context.Context, sessionID string) error {
	return s.store.Clear(ctx, SnapshotSessionID(sessionID))
}
