// Package jobs runs background turns: a bounded queue, a dispatch loop
// with a concurrency cap, per-job timeouts, and a heartbeat that
// classifies stalls.
package jobs

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Job is one background turn request and its outcome.
type Job struct {
	ID string `json:"id"`
	// SessionID is the isolated session the job runs in.
	SessionID string `json:"session_id"`
	// Recipient receives the result when the job completes.
	Recipient  string    `json:"recipient"`
	Prompt     string    `json:"prompt"`
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Store persists job records.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	// Prune removes finished jobs older than the duration, returning the
	// pruned count.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MemoryStore keeps jobs in memory in insertion order.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
}

// NewMemoryStore returns an in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

// List returns jobs in insertion order.
func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > len(s.keys) {
		limit = len(s.keys)
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.keys) {
		end = len(s.keys)
	}
	result := make([]*Job, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if job, ok := s.jobs[id]; ok {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

func (s *MemoryStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var kept []string
	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		finished := job.Status == StatusSucceeded || job.Status == StatusFailed || job.Status == StatusTimedOut
		if finished && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	s.keys = kept
	return pruned, nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	return &clone
}
