// Package sessions owns session message logs, the per-session gate, and
// the partition strategies that map ingress metadata to session ids.
package sessions

import (
	"context"
	"errors"

	"omniagent/pkg/models"
)

// Store is the interface for session message persistence. All mutations of
// a session's log go through a Store; implementations must keep strict
// insertion order and make each operation atomic per session id.
type Store interface {
	// Append adds messages to the end of the session log.
	Append(ctx context.Context, sessionID string, msgs []models.ChatMessage) error

	// Replace swaps the session log for msgs. An empty msgs clears.
	Replace(ctx context.Context, sessionID string, msgs []models.ChatMessage) error

	// Get returns the session log in insertion order. A missing session
	// yields an empty slice, never an error.
	Get(ctx context.Context, sessionID string) ([]models.ChatMessage, error)

	// Clear removes the session log.
	Clear(ctx context.Context, sessionID string) error

	// PublishStreamEvent records a key/value event on a named stream.
	PublishStreamEvent(ctx context.Context, stream string, fields map[string]string) error
}

// ErrStorage is the opaque error kind surfaced for storage I/O failures.
var ErrStorage = errors.New("session storage failure")

// snapshotPrefix namespaces the session ids holding /resume snapshots.
const snapshotPrefix = "__session_snapshot__:"

// SnapshotSessionID returns the namespaced session id holding the snapshot
// for sessionID.
func SnapshotSessionID(sessionID string) string {
	return snapshotPrefix + sessionID
}
