package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"omniagent/internal/observability"
)

// SenderConfig tunes the shared outbound retry loop.
type SenderConfig struct {
	// MaxAttempts bounds retries per call.
	MaxAttempts int
	// BaseBackoff is doubled per attempt and capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// GroupFailureLimit is the consecutive group-send failures before
	// falling back to one-by-one media sends.
	GroupFailureLimit int
	// Metrics, when set, records send attempts and gate wait times.
	Metrics *observability.Metrics
}

func (c *SenderConfig) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.GroupFailureLimit <= 0 {
		c.GroupFailureLimit = 3
	}
}

// SendAttempt is one platform call. plainText is true when formatting
// entities were rejected earlier and the resend must not set a parse
// mode.
type SendAttempt func(ctx context.Context, plainText bool) error

// Sender runs outbound calls through the gate with retries. Rate-limit
// errors feed the gate; parse errors trigger one plain-text retry that
// does not count against the attempt budget.
type Sender struct {
	gate   *SendGate
	cfg    SenderConfig
	logger *slog.Logger
}

// NewSender creates a sender over the gate.
func NewSender(gate *SendGate, cfg SenderConfig, logger *slog.Logger) *Sender {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{gate: gate, cfg: cfg, logger: logger.With("component", "sender")}
}

// Do executes attempt under the gate and retry policy.
func (s *Sender) Do(ctx context.Context, method, kind string, attempt SendAttempt) error {
	plainText := false
	var lastErr error

	for try := 0; try < s.cfg.MaxAttempts; try++ {
		if err := s.gateWait(ctx, method, kind); err != nil {
			return err
		}

		err := attempt(ctx, plainText)
		s.countSend(method, err)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryAfter := RetryAfterOf(err); retryAfter > 0 {
			s.gate.UpdateFromError(ctx, method, kind, retryAfter)
		}

		if !plainText && IsParseError(err) {
			s.logger.Debug("formatting rejected, retrying as plain text",
				"method", method, "error", err)
			plainText = true
			try--
			continue
		}

		if !IsRetryable(err) {
			return err
		}

		backoff := s.cfg.BaseBackoff << uint(try)
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
		s.logger.Debug("send failed, backing off", "method", method,
			"attempt", try+1, "backoff_ms", backoff.Milliseconds(), "error", err)
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
	}
	return lastErr
}

// gateWait blocks on the gate and records the time spent waiting.
func (s *Sender) gateWait(ctx context.Context, method, kind string) error {
	start := time.Now()
	err := s.gate.Wait(ctx, method, kind)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SendGateWait.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	return err
}

func (s *Sender) countSend(method string, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.OutboundSends.WithLabelValues(method, sendStatus(err)).Inc()
}

func sendStatus(err error) string {
	if err == nil {
		return "success"
	}
	var chErr *Error
	if errors.As(err, &chErr) && chErr.Code == ErrCodeRateLimit {
		return "rate_limited"
	}
	return "error"
}

// GroupSend is a grouped media send attempt.
type GroupSend func(ctx context.Context) error

// SingleSend sends one media item; caption carries only on the first.
type SingleSend func(ctx context.Context, item MediaItem, caption string) error

// SendMediaGroup attempts a grouped send, falling back to one-by-one
// sends after GroupFailureLimit consecutive group failures. The caption
// is preserved on the first piece.
func (s *Sender) SendMediaGroup(ctx context.Context, method string, media []MediaItem, caption string, group GroupSend, single SingleSend) error {
	var groupErr error
	for try := 0; try < s.cfg.GroupFailureLimit; try++ {
		if err := s.gateWait(ctx, method, "media_group"); err != nil {
			return err
		}
		groupErr = group(ctx)
		s.countSend(method, groupErr)
		if groupErr == nil {
			return nil
		}
		if retryAfter := RetryAfterOf(groupErr); retryAfter > 0 {
			s.gate.UpdateFromError(ctx, method, "media_group", retryAfter)
		}
		if !IsRetryable(groupErr) {
			break
		}
	}

	s.logger.Warn("media group send failed, falling back to single sends",
		"method", method, "pieces", len(media), "error", groupErr)

	for i, item := range media {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		err := s.Do(ctx, method, "media_single", func(ctx context.Context, _ bool) error {
			return single(ctx, item, itemCaption)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
