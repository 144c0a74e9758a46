package schedule

import (
	"context"
	"log/slog"
	"time"

	"omniagent/internal/jobs"
)

// Config drives one recurring run.
type Config struct {
	Spec Spec
	// SessionPrefix scopes the isolated job sessions.
	SessionPrefix string
	Recipient     string
	Prompt        string
	// MaxRuns stops the loop after this many submissions; zero means
	// unbounded.
	MaxRuns int
	// WaitForCompletion bounds the drain for in-flight jobs on exit.
	WaitForCompletion time.Duration

	Logger *slog.Logger
}

// Counters is the final tally of a recurring run.
type Counters struct {
	Submitted int
	Succeeded int
	Failed    int
	TimedOut  int
	// SubmitErrors counts ticks whose submission was rejected.
	SubmitErrors int
}

// Run ticks the schedule, submitting one job per tick up to MaxRuns, and
// consumes completions in the same select loop. Ticks that fire while a
// submission is in progress are skipped, not queued. On context
// cancellation the loop drains in-flight completions for up to
// WaitForCompletion before returning the counters.
func Run(ctx context.Context, manager *jobs.Manager, cfg Config) Counters {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	var counters Counters
	now := time.Now()
	next, err := cfg.Spec.Next(now)
	if err != nil {
		logger.Error("schedule unusable", "error", err)
		return counters
	}
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	inFlight := 0
	for {
		select {
		case <-ctx.Done():
			return drain(manager, cfg, counters, inFlight, logger)

		case <-timer.C:
			if cfg.MaxRuns > 0 && counters.Submitted >= cfg.MaxRuns {
				if inFlight == 0 {
					return counters
				}
				// Stop ticking, keep consuming completions.
				break
			}

			jobID, err := manager.Submit(ctx, cfg.SessionPrefix, cfg.Recipient, cfg.Prompt)
			if err != nil {
				counters.SubmitErrors++
				logger.Warn("scheduled submission rejected", "error", err)
			} else {
				counters.Submitted++
				inFlight++
				logger.Info("scheduled job submitted",
					"job_id", jobID, "run", counters.Submitted, "max_runs", cfg.MaxRuns)
			}

			// Reset from now: ticks missed while submitting are skipped.
			next, err = cfg.Spec.Next(time.Now())
			if err != nil {
				logger.Error("schedule unusable", "error", err)
				return drain(manager, cfg, counters, inFlight, logger)
			}
			timer.Reset(time.Until(next))

		case c := <-manager.Completions():
			inFlight--
			record(&counters, c, logger)
			if cfg.MaxRuns > 0 && counters.Submitted >= cfg.MaxRuns && inFlight == 0 {
				return counters
			}
		}
	}
}

// drain consumes outstanding completions for up to WaitForCompletion.
func drain(manager *jobs.Manager, cfg Config, counters Counters, inFlight int, logger *slog.Logger) Counters {
	if inFlight == 0 || cfg.WaitForCompletion <= 0 {
		return counters
	}
	deadline := time.NewTimer(cfg.WaitForCompletion)
	defer deadline.Stop()

	for inFlight > 0 {
		select {
		case c := <-manager.Completions():
			inFlight--
			record(&counters, c, logger)
		case <-deadline.C:
			logger.Warn("drain deadline reached", "outstanding", inFlight)
			return counters
		}
	}
	return counters
}

func record(counters *Counters, c jobs.Completion, logger *slog.Logger) {
	switch c.Kind {
	case jobs.CompletionSucceeded:
		counters.Succeeded++
	case jobs.CompletionTimedOut:
		counters.TimedOut++
		logger.Warn("scheduled job timed out", "job_id", c.JobID, "timeout_secs", c.TimeoutSecs)
	default:
		counters.Failed++
		logger.Warn("scheduled job failed", "job_id", c.JobID, "error", c.Err)
	}
}
