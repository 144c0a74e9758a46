package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"omniagent/internal/jobs"
)

type runnerFunc func(ctx context.Context, sessionID, prompt string) (string, error)

func (f runnerFunc) RunTurn(ctx context.Context, sessionID, prompt string) (string, error) {
	return f(ctx, sessionID, prompt)
}

func TestParseSpec(t *testing.T) {
	if _, err := ParseSpec(0, "", ""); err == nil {
		t.Fatal("empty schedule accepted")
	}
	if _, err := ParseSpec(time.Second, "* * * * *", ""); err == nil {
		t.Fatal("ambiguous schedule accepted")
	}
	if _, err := ParseSpec(0, "not a cron", ""); err == nil {
		t.Fatal("bad cron expression accepted")
	}

	spec, err := ParseSpec(time.Minute, "", "")
	if err != nil {
		t.Fatal(err)
	}
	next, err := spec.Next(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if until := time.Until(next); until < 55*time.Second || until > 65*time.Second {
		t.Fatalf("next firing in %v, want ~1m", until)
	}

	spec, err = ParseSpec(0, "0 * * * *", "UTC")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err = spec.Next(now)
	if err != nil {
		t.Fatal(err)
	}
	if next != time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC) {
		t.Fatalf("next = %v", next)
	}
}

func TestRunStopsAtMaxRuns(t *testing.T) {
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		runs.Add(1)
		return "done", nil
	})
	manager := jobs.NewManager(jobs.Config{QueueSize: 8, MaxInFlight: 2}, runner, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Start(ctx)

	spec, _ := ParseSpec(10*time.Millisecond, "", "")
	counters := Run(ctx, manager, Config{
		Spec:              spec,
		SessionPrefix:     "sched:daily",
		Recipient:         "42",
		Prompt:            "run the report",
		MaxRuns:           3,
		WaitForCompletion: 5 * time.Second,
	})

	if counters.Submitted != 3 {
		t.Fatalf("submitted = %d, want 3", counters.Submitted)
	}
	if counters.Succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3", counters.Succeeded)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runner invoked %d times, want 3", got)
	}
}

func TestRunCountsFailures(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		return "", errors.New("boom")
	})
	manager := jobs.NewManager(jobs.Config{QueueSize: 8, MaxInFlight: 2}, runner, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Start(ctx)

	spec, _ := ParseSpec(10*time.Millisecond, "", "")
	counters := Run(ctx, manager, Config{
		Spec:              spec,
		SessionPrefix:     "sched:flaky",
		Recipient:         "42",
		Prompt:            "try it",
		MaxRuns:           2,
		WaitForCompletion: 5 * time.Second,
	})

	if counters.Failed != 2 {
		t.Fatalf("failed = %d, want 2", counters.Failed)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := runnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	})
	manager := jobs.NewManager(jobs.Config{QueueSize: 8, MaxInFlight: 1}, runner, nil, nil, nil)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	manager.Start(runCtx)

	ctx, cancel := context.WithCancel(context.Background())
	spec, _ := ParseSpec(10*time.Millisecond, "", "")

	done := make(chan Counters, 1)
	go func() {
		done <- Run(ctx, manager, Config{
			Spec:          spec,
			SessionPrefix: "sched:slow",
			Recipient:     "42",
			Prompt:        "wait forever",
			// No drain window: return immediately on cancel.
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
