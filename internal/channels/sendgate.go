package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendGateConfig tunes the outbound gate.
type SendGateConfig struct {
	// SlotStep is the extra sleep per concurrent waiter.
	SlotStep time.Duration
	// MaxSlotDelay caps the spread sleep.
	MaxSlotDelay time.Duration
	// KeyPrefix namespaces the shared window key.
	KeyPrefix string
}

func (c *SendGateConfig) withDefaults() {
	if c.SlotStep <= 0 {
		c.SlotStep = 250 * time.Millisecond
	}
	if c.MaxSlotDelay <= 0 {
		c.MaxSlotDelay = 2 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "omniagent"
	}
}

// SendGate throttles outbound platform calls. A local monotonic deadline
// covers this process; when a Valkey client is configured, a shared
// window key coordinates across instances. Spread slots stagger
// concurrent waiters so releases do not stampede the platform.
type SendGate struct {
	cfg    SendGateConfig
	client *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	deadline time.Time
	waiters  int
}

// NewSendGate creates a gate. client may be nil for local-only operation.
func NewSendGate(cfg SendGateConfig, client *redis.Client, logger *slog.Logger) *SendGate {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGate{cfg: cfg, client: client, logger: logger.With("component", "send_gate")}
}

func (g *SendGate) windowKey() string {
	return g.cfg.KeyPrefix + ":send_rate_window"
}

// Wait blocks until the caller may issue the outbound call. method and
// kind are for logging only.
func (g *SendGate) Wait(ctx context.Context, method, kind string) error {
	g.mu.Lock()
	wait := time.Until(g.deadline)
	slot := g.waiters
	g.waiters++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiters--
		g.mu.Unlock()
	}()

	spread := time.Duration(slot) * g.cfg.SlotStep
	if spread > g.cfg.MaxSlotDelay {
		spread = g.cfg.MaxSlotDelay
	}

	if wait > 0 || spread > 0 {
		total := spread
		if wait > 0 {
			total += wait
		}
		g.logger.Debug("send gate wait", "method", method, "kind", kind,
			"wait_ms", wait.Milliseconds(), "slot", slot)
		if err := sleepCtx(ctx, total); err != nil {
			return err
		}
	}

	if g.client == nil {
		return nil
	}

	// Shared window: a positive TTL means another instance hit a rate
	// limit recently; adopt it as the local deadline and wait it out.
	ttl, err := g.client.PTTL(ctx, g.windowKey()).Result()
	if err != nil {
		g.logger.Debug("send gate window query failed", "error", err)
		return nil
	}
	if ttl > 0 {
		g.extendLocal(ttl)
		g.logger.Debug("send gate shared window active", "method", method,
			"kind", kind, "window_ms", ttl.Milliseconds())
		return sleepCtx(ctx, ttl+spread)
	}
	return nil
}

// UpdateFromError records a platform rate-limit delay. Both the local
// deadline and the shared window only ever extend, never shorten.
func (g *SendGate) UpdateFromError(ctx context.Context, method, kind string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	previous := g.extendLocal(delay)

	source := "local"
	if g.client != nil {
		source = "distributed"
		key := g.windowKey()
		// Extend only when the existing window is shorter.
		ttl, err := g.client.PTTL(ctx, key).Result()
		if err == nil && ttl < delay {
			if err := g.client.Set(ctx, key, "1", delay).Err(); err != nil {
				g.logger.Warn("send gate window update failed", "error", err)
			}
		}
	}

	g.logger.Info("send gate updated from rate limit error",
		"method", method, "kind", kind, "source", source,
		"retry_after_ms", delay.Milliseconds(),
		"previous_wait_ms", previous.Milliseconds())
}

// extendLocal pushes the local deadline forward, returning how much wait
// was already pending.
func (g *SendGate) extendLocal(delay time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	previous := time.Until(g.deadline)
	if previous < 0 {
		previous = 0
	}
	candidate := time.Now().Add(delay)
	if candidate.After(g.deadline) {
		g.deadline = candidate
	}
	return previous
}

// Deadline returns the current local deadline.
func (g *SendGate) Deadline() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deadline
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("send gate wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
