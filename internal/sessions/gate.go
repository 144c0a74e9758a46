package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Gate serializes turns per session. Acquire blocks until the session is
// free or ctx expires; the returned Guard must be released exactly once.
type Gate interface {
	Acquire(ctx context.Context, sessionID string) (Guard, error)
}

// Guard represents a held session gate.
type Guard interface {
	// Release frees the gate. It reports ErrLeaseLost when a distributed
	// lease expired while the guard was held.
	Release() error
}

// ErrGateTimeout indicates the gate could not be acquired in time. Callers
// should treat it as retriable.
var ErrGateTimeout = errors.New("session gate acquire timeout")

// ErrLeaseLost indicates a distributed lease expired mid-turn. The turn is
// not aborted; the caller decides whether to surface the condition.
var ErrLeaseLost = errors.New("session gate lease lost")

// MemoryGate is a per-session reference-counted mutex. Entries are reaped
// when the last waiter releases, so idle sessions hold no memory.
type MemoryGate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

type gateEntry struct {
	sem  chan struct{}
	refs int
}

// NewMemoryGate creates an in-process session gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{entries: map[string]*gateEntry{}}
}

func (g *MemoryGate) Acquire(ctx context.Context, sessionID string) (Guard, error) {
	g.mu.Lock()
	entry, ok := g.entries[sessionID]
	if !ok {
		entry = &gateEntry{sem: make(chan struct{}, 1)}
		g.entries[sessionID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return &memoryGuard{gate: g, id: sessionID, entry: entry}, nil
	case <-ctx.Done():
		g.drop(sessionID, entry)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrGateTimeout
		}
		return nil, ctx.Err()
	}
}

func (g *MemoryGate) drop(sessionID string, entry *gateEntry) {
	g.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(g.entries, sessionID)
	}
	g.mu.Unlock()
}

// Held reports whether the session is currently held. Test helper.
func (g *MemoryGate) Held(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[sessionID]
	return ok && len(entry.sem) > 0
}

type memoryGuard struct {
	gate  *MemoryGate
	id    string
	entry *gateEntry
	once  sync.Once
}

func (m *memoryGuard) Release() error {
	m.once.Do(func() {
		<-m.entry.sem
		m.gate.drop(m.id, m.entry)
	})
	return nil
}

// GateConfig selects and tunes the gate backend.
type GateConfig struct {
	// Backend is "memory", "valkey", or "auto" (valkey when a URL is set).
	Backend string
	// ValkeyURL is the distributed backend address.
	ValkeyURL string
	// KeyPrefix namespaces lease keys.
	KeyPrefix string
	// LeaseTTL bounds how long an expired process can block a session.
	LeaseTTL time.Duration
	// AcquireTimeout bounds distributed acquisition.
	AcquireTimeout time.Duration
	// Heartbeat renews the lease while held; zero disables renewal.
	Heartbeat time.Duration
}

// ResolveBackend applies the "auto" rule.
func (c GateConfig) ResolveBackend() string {
	switch c.Backend {
	case "memory", "valkey":
		return c.Backend
	default:
		if c.ValkeyURL != "" {
			return "valkey"
		}
		return "memory"
	}
}
