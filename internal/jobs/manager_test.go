package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type runnerFunc func(ctx context.Context, sessionID, prompt string) (string, error)

func (f runnerFunc) RunTurn(ctx context.Context, sessionID, prompt string) (string, error) {
	return f(ctx, sessionID, prompt)
}

func waitCompletion(t *testing.T, m *Manager) Completion {
	t.Helper()
	select {
	case c := <-m.Completions():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion within deadline")
		return Completion{}
	}
}

func TestSubmitRunsIsolatedSession(t *testing.T) {
	var gotSession atomic.Value
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		gotSession.Store(sessionID)
		return "result for " + prompt, nil
	})
	m := NewManager(Config{QueueSize: 4, MaxInFlight: 2}, runner, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	jobID, err := m.Submit(ctx, "telegram:42", "42", "summarize the report")
	if err != nil {
		t.Fatal(err)
	}

	c := waitCompletion(t, m)
	if c.Kind != CompletionSucceeded {
		t.Fatalf("kind = %v (%s)", c.Kind, c.Err)
	}
	if c.JobID != jobID || c.Recipient != "42" {
		t.Fatalf("completion = %+v", c)
	}
	if c.Output != "result for summarize the report" {
		t.Fatalf("output = %q", c.Output)
	}

	session := gotSession.Load().(string)
	want := "telegram:42:job:" + jobID
	if session != want {
		t.Fatalf("session = %q, want %q", session, want)
	}

	job, _ := m.Store().Get(ctx, jobID)
	if job.Status != StatusSucceeded {
		t.Fatalf("stored status = %v", job.Status)
	}
}

func TestJobFailure(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		return "", errors.New("model exploded")
	})
	m := NewManager(Config{}, runner, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	jobID, err := m.Submit(ctx, "telegram:1", "1", "do it")
	if err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, m)
	if c.Kind != CompletionFailed || !strings.Contains(c.Err, "model exploded") {
		t.Fatalf("completion = %+v", c)
	}
	job, _ := m.Store().Get(ctx, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("stored status = %v", job.Status)
	}
}

func TestJobTimeout(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m := NewManager(Config{JobTimeout: 50 * time.Millisecond}, runner, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	jobID, err := m.Submit(ctx, "telegram:1", "1", "never finishes")
	if err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, m)
	if c.Kind != CompletionTimedOut {
		t.Fatalf("completion = %+v", c)
	}
	job, _ := m.Store().Get(ctx, jobID)
	if job.Status != StatusTimedOut {
		t.Fatalf("stored status = %v", job.Status)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	block := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		<-block
		return "", nil
	})
	// Dispatch loop not started: everything stays queued.
	m := NewManager(Config{QueueSize: 2}, runner, nil, nil, nil)
	defer close(block)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Submit(ctx, "t:1", "1", "work"); err != nil {
			t.Fatal(err)
		}
	}
	_, err := m.Submit(ctx, "t:1", "1", "overflow")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
}

func TestMaxInFlightIsRespected(t *testing.T) {
	var concurrent, peak atomic.Int32
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		cur := concurrent.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return "", nil
	})
	m := NewManager(Config{QueueSize: 8, MaxInFlight: 2}, runner, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for i := 0; i < 5; i++ {
		if _, err := m.Submit(ctx, "t:1", "1", "work"); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		waitCompletion(t, m)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestClassify(t *testing.T) {
	m := NewManager(Config{StallThreshold: time.Minute}, nil, nil, nil, nil)

	if h := m.Classify(Snapshot{Queued: 3, Running: 1}); h != Healthy {
		t.Fatalf("health = %v", h)
	}
	if h := m.Classify(Snapshot{OldestQueuedAge: 2 * time.Minute}); h != QueueStalled {
		t.Fatalf("health = %v", h)
	}
	if h := m.Classify(Snapshot{LongestRunningAge: 2 * time.Minute}); h != RunningStalled {
		t.Fatalf("health = %v", h)
	}
	// Queue stall takes precedence when both exceed the threshold.
	if h := m.Classify(Snapshot{OldestQueuedAge: 2 * time.Minute, LongestRunningAge: 2 * time.Minute}); h != QueueStalled {
		t.Fatalf("health = %v", h)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := &Job{ID: "old", Status: StatusSucceeded, CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &Job{ID: "fresh", Status: StatusSucceeded, CreatedAt: time.Now()}
	pending := &Job{ID: "pending", Status: StatusRunning, CreatedAt: time.Now().Add(-2 * time.Hour)}
	for _, j := range []*Job{old, fresh, pending} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	// Unfinished jobs survive regardless of age.
	if job, _ := s.Get(ctx, "pending"); job == nil {
		t.Fatal("running job was pruned")
	}
	if job, _ := s.Get(ctx, "old"); job != nil {
		t.Fatal("old finished job survived")
	}
}
