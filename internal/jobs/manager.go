package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omniagent/internal/observability"
)

// ErrQueueFull is returned by Submit when the job queue is at capacity.
var ErrQueueFull = errors.New("job queue full")

// Runner executes one turn in an isolated session. The turn engine
// satisfies this.
type Runner interface {
	RunTurn(ctx context.Context, sessionID, prompt string) (string, error)
}

// CompletionKind is the terminal classification of a job.
type CompletionKind string

const (
	CompletionSucceeded CompletionKind = "succeeded"
	CompletionFailed    CompletionKind = "failed"
	CompletionTimedOut  CompletionKind = "timed_out"
)

// Completion is emitted once per job on the completion channel.
type Completion struct {
	JobID     string
	Recipient string
	Kind      CompletionKind
	Output    string
	Err       string
	// TimeoutSecs is set for timed out jobs.
	TimeoutSecs int
}

// Health is the heartbeat classification.
type Health string

const (
	Healthy        Health = "healthy"
	QueueStalled   Health = "queue_stalled"
	RunningStalled Health = "running_stalled"
)

// Snapshot is the metrics view the heartbeat probes.
type Snapshot struct {
	Queued            int
	Running           int
	OldestQueuedAge   time.Duration
	LongestRunningAge time.Duration
}

// Config tunes the manager.
type Config struct {
	// QueueSize bounds pending submissions.
	QueueSize int
	// MaxInFlight caps concurrently running jobs.
	MaxInFlight int
	// JobTimeout bounds one job's execution.
	JobTimeout time.Duration

	// HeartbeatInterval drives the periodic health probe; zero disables
	// the heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatProbeTimeout bounds one probe.
	HeartbeatProbeTimeout time.Duration
	// StallThreshold classifies queued or running ages as stalled.
	StallThreshold time.Duration
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.HeartbeatProbeTimeout <= 0 {
		c.HeartbeatProbeTimeout = 5 * time.Second
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 10 * time.Minute
	}
}

type queuedJob struct {
	job      *Job
	enqueued time.Time
}

// Manager owns the job queue and dispatch loop.
type Manager struct {
	cfg         Config
	runner      Runner
	store       Store
	queue       chan queuedJob
	completions chan Completion
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	running  map[string]time.Time
	queuedAt map[string]time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewManager creates a manager; call Start to begin dispatching.
func NewManager(cfg Config, runner Runner, store Store, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	cfg.withDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		runner:      runner,
		store:       store,
		queue:       make(chan queuedJob, cfg.QueueSize),
		completions: make(chan Completion, cfg.QueueSize),
		metrics:     metrics,
		logger:      logger.With("component", "job_manager"),
		running:     make(map[string]time.Time),
		queuedAt:    make(map[string]time.Time),
		stopped:     make(chan struct{}),
	}
}

// Completions is the terminal event stream, one event per job.
func (m *Manager) Completions() <-chan Completion { return m.completions }

// Store exposes the job records for read paths.
func (m *Manager) Store() Store { return m.store }

// IsolatedSessionID derives the session a job runs in, keeping
// background work out of the foreground history.
func IsolatedSessionID(sessionPrefix, jobID string) string {
	return fmt.Sprintf("%s:job:%s", sessionPrefix, jobID)
}

// Submit enqueues a background turn and returns the job id. A full
// queue fails fast with ErrQueueFull.
func (m *Manager) Submit(ctx context.Context, sessionPrefix, recipient, prompt string) (string, error) {
	jobID := uuid.NewString()
	job := &Job{
		ID:        jobID,
		SessionID: IsolatedSessionID(sessionPrefix, jobID),
		Recipient: recipient,
		Prompt:    prompt,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}

	select {
	case m.queue <- queuedJob{job: job, enqueued: time.Now()}:
		m.mu.Lock()
		m.queuedAt[jobID] = time.Now()
		m.mu.Unlock()
		m.gauge("queued", 1)
		return jobID, nil
	default:
		job.Status = StatusFailed
		job.Error = ErrQueueFull.Error()
		job.FinishedAt = time.Now()
		_ = m.store.Update(ctx, job)
		return "", ErrQueueFull
	}
}

// Start runs the dispatch loop and heartbeat until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.dispatch(ctx)
	if m.cfg.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeat(ctx)
	}
}

// Stop waits for the loops to exit. Running jobs finish or time out on
// their own; Stop does not kill them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.wg.Wait()
}

func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	sem := make(chan struct{}, m.cfg.MaxInFlight)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case item := <-m.queue:
			m.gauge("queued", -1)
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			case <-m.stopped:
				return
			}

			m.trackStart(item.job.ID)
			m.wg.Add(1)
			go func(job *Job) {
				defer m.wg.Done()
				defer func() { <-sem }()
				m.runJob(ctx, job)
			}(item.job)
		}
	}
}

// runJob executes one job under the timeout and emits its completion.
func (m *Manager) runJob(ctx context.Context, job *Job) {
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	_ = m.store.Update(ctx, job)
	m.gauge("running", 1)
	defer m.gauge("running", -1)
	defer m.trackDone(job.ID)

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	output, err := m.runner.RunTurn(runCtx, job.SessionID, job.Prompt)
	job.FinishedAt = time.Now()

	var completion Completion
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		job.Status = StatusTimedOut
		job.Error = fmt.Sprintf("timed out after %s", m.cfg.JobTimeout)
		completion = Completion{
			JobID:       job.ID,
			Recipient:   job.Recipient,
			Kind:        CompletionTimedOut,
			TimeoutSecs: int(m.cfg.JobTimeout.Seconds()),
		}
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
		completion = Completion{
			JobID:     job.ID,
			Recipient: job.Recipient,
			Kind:      CompletionFailed,
			Err:       err.Error(),
		}
	default:
		job.Status = StatusSucceeded
		job.Output = output
		completion = Completion{
			JobID:     job.ID,
			Recipient: job.Recipient,
			Kind:      CompletionSucceeded,
			Output:    output,
		}
	}
	_ = m.store.Update(ctx, job)
	if m.metrics != nil {
		m.metrics.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	}

	m.logger.Info("job finished", "job_id", job.ID, "status", job.Status,
		"duration_ms", job.FinishedAt.Sub(job.StartedAt).Milliseconds())

	select {
	case m.completions <- completion:
	default:
		m.logger.Warn("completion channel full, dropping event", "job_id", job.ID)
	}
}

func (m *Manager) trackStart(id string) {
	m.mu.Lock()
	delete(m.queuedAt, id)
	m.running[id] = time.Now()
	m.mu.Unlock()
}

func (m *Manager) trackDone(id string) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

// Metrics probes the current queue and running ages.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{Queued: len(m.queuedAt), Running: len(m.running)}
	now := time.Now()
	for _, started := range m.running {
		if age := now.Sub(started); age > snap.LongestRunningAge {
			snap.LongestRunningAge = age
		}
	}
	for _, enqueued := range m.queuedAt {
		if age := now.Sub(enqueued); age > snap.OldestQueuedAge {
			snap.OldestQueuedAge = age
		}
	}
	return snap
}

// Classify maps a snapshot to a health state.
func (m *Manager) Classify(snap Snapshot) Health {
	switch {
	case snap.OldestQueuedAge > m.cfg.StallThreshold:
		return QueueStalled
	case snap.LongestRunningAge > m.cfg.StallThreshold:
		return RunningStalled
	default:
		return Healthy
	}
}

// heartbeat probes the metrics on an interval and logs stalls. Running
// workers are never killed here; their own timeouts bound them.
func (m *Manager) heartbeat(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatProbeTimeout)
			snap := m.probe(probeCtx)
			cancel()

			health := m.Classify(snap)
			if health == Healthy {
				m.logger.Debug("job heartbeat", "queued", snap.Queued, "running", snap.Running)
				continue
			}
			m.logger.Warn("job manager stalled",
				"health", health,
				"queued", snap.Queued,
				"running", snap.Running,
				"oldest_queued_age", snap.OldestQueuedAge,
				"longest_running_age", snap.LongestRunningAge)
		}
	}
}

// probe collects the snapshot, bounded by the probe context.
func (m *Manager) probe(ctx context.Context) Snapshot {
	done := make(chan Snapshot, 1)
	go func() { done <- m.Metrics() }()
	select {
	case snap := <-done:
		return snap
	case <-ctx.Done():
		return Snapshot{}
	}
}

func (m *Manager) gauge(state string, delta float64) {
	if m.metrics != nil {
		m.metrics.JobsInState.WithLabelValues(state).Add(delta)
	}
}
