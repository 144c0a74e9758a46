package recall

import (
	"context"
	"strconv"
	"sync"

	"omniagent/internal/sessions"
	"omniagent/pkg/models"
)

// feedbackPrefix namespaces the session ids holding feedback bias. The
// session store doubles as a key-value log here, avoiding a second
// storage subsystem.
const feedbackPrefix = "__session_memory_recall_feedback__:"

// feedbackName tags the single system message carrying the bias.
const feedbackName = "recall_feedback"

// FeedbackSource identifies where a turn's feedback signal came from, in
// priority order: explicit user feedback wins over the tool execution
// summary, which wins over the assistant text heuristic.
type FeedbackSource int

const (
	SourceNone FeedbackSource = iota
	SourceAssistantHeuristic
	SourceToolSummary
	SourceExplicitUser
)

// TurnFeedback aggregates the signals from one turn.
type TurnFeedback struct {
	// ExplicitUser is set when the user issued /feedback up|down.
	ExplicitUser *float64
	// ToolSuccesses and ToolFailures summarize tool execution.
	ToolSuccesses int
	ToolFailures  int
	// AssistantLooksFailed is the heuristic over the final text.
	AssistantLooksFailed bool
}

// Signal resolves the feedback delta and its source.
func (f TurnFeedback) Signal() (float64, FeedbackSource) {
	if f.ExplicitUser != nil {
		return *f.ExplicitUser, SourceExplicitUser
	}
	if f.ToolSuccesses+f.ToolFailures > 0 {
		total := float64(f.ToolSuccesses + f.ToolFailures)
		// Net tool outcome in [-1, 1], scaled down so a single turn
		// cannot saturate the bias.
		net := (float64(f.ToolSuccesses) - float64(f.ToolFailures)) / total
		return net * 0.3, SourceToolSummary
	}
	if f.AssistantLooksFailed {
		return -0.25, SourceAssistantHeuristic
	}
	return 0.15, SourceAssistantHeuristic
}

// FeedbackStore persists the per-session feedback bias scalar in [-1, 1].
// Reads are served from an in-memory cache guarded by a read-write lock;
// writes go through to the session store.
type FeedbackStore struct {
	store sessions.Store

	mu    sync.RWMutex
	cache map[string]float64
}

// NewFeedbackStore creates a feedback store over the session store.
func NewFeedbackStore(store sessions.Store) *FeedbackStore {
	return &FeedbackStore{store: store, cache: map[string]float64{}}
}

// Get returns the bias for sessionID, zero when unset.
func (f *FeedbackStore) Get(ctx context.Context, sessionID string) (float64, error) {
	f.mu.RLock()
	if bias, ok := f.cache[sessionID]; ok {
		f.mu.RUnlock()
		return bias, nil
	}
	f.mu.RUnlock()

	msgs, err := f.store.Get(ctx, feedbackPrefix+sessionID)
	if err != nil {
		return 0, err
	}
	bias := 0.0
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem && msg.Name == feedbackName {
			if v, err := strconv.ParseFloat(msg.Content, 64); err == nil {
				bias = clampFloat(v, -1, 1)
			}
		}
	}

	f.mu.Lock()
	f.cache[sessionID] = bias
	f.mu.Unlock()
	return bias, nil
}

// Set persists an absolute bias value.
func (f *FeedbackStore) Set(ctx context.Context, sessionID string, bias float64) error {
	bias = clampFloat(bias, -1, 1)
	record := []models.ChatMessage{{
		Role:    models.RoleSystem,
		Name:    feedbackName,
		Content: strconv.FormatFloat(bias, 'f', 4, 64),
	}}
	if err := f.store.Replace(ctx, feedbackPrefix+sessionID, record); err != nil {
		return err
	}

	f.mu.Lock()
	f.cache[sessionID] = bias
	f.mu.Unlock()
	return nil
}

// Apply folds a turn's feedback into the stored bias with exponential
// smoothing and returns the new value.
func (f *FeedbackStore) Apply(ctx context.Context, sessionID string, fb TurnFeedback) (float64, error) {
	delta, source := fb.Signal()
	if source == SourceNone {
		return f.Get(ctx, sessionID)
	}

	current, err := f.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	next := clampFloat(current*0.7+delta, -1, 1)
	if err := f.Set(ctx, sessionID, next); err != nil {
		return 0, err
	}
	return next, nil
}
