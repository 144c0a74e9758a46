package sessions

import (
	"context"
	"sync"

	"omniagent/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	logs     map[string][]models.ChatMessage
	streams  map[string][]map[string]string
	maxPerID int
}

// maxMessagesPerSession caps messages kept per session; when exceeded the
// oldest non-system messages are trimmed.
const maxMessagesPerSession = 1000

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:     map[string][]models.ChatMessage{},
		streams:  map[string][]map[string]string{},
		maxPerID: maxMessagesPerSession,
	}
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := append(m.logs[sessionID], cloneMessages(msgs)...)
	if len(log) > m.maxPerID {
		log = trimOldest(log, m.maxPerID)
	}
	m.logs[sessionID] = log
	return nil
}

func (m *MemoryStore) Replace(ctx context.Context, sessionID string, msgs []models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(msgs) == 0 {
		delete(m.logs, sessionID)
		return nil
	}
	m.logs[sessionID] = cloneMessages(msgs)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneMessages(m.logs[sessionID]), nil
}

func (m *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.logs, sessionID)
	return nil
}

func (m *MemoryStore) PublishStreamEvent(ctx context.Context, stream string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := make(map[string]string, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	m.streams[stream] = append(m.streams[stream], clone)
	return nil
}

// StreamEvents returns the recorded events for a stream. Test helper.
func (m *MemoryStore) StreamEvents(stream string) []map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]map[string]string(nil), m.streams[stream]...)
}

func cloneMessages(msgs []models.ChatMessage) []models.ChatMessage {
	if msgs == nil {
		return []models.ChatMessage{}
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// trimOldest drops leading non-system messages until the log fits limit.
// System messages survive trimming so standing instructions are not lost.
func trimOldest(log []models.ChatMessage, limit int) []models.ChatMessage {
	excess := len(log) - limit
	if excess <= 0 {
		return log
	}
	out := make([]models.ChatMessage, 0, limit)
	for _, msg := range log {
		if excess > 0 && msg.Role != models.RoleSystem {
			excess--
			continue
		}
		out = append(out, msg)
	}
	return out
}
