package channels

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"omniagent/internal/observability"
	"omniagent/pkg/models"
)

// ErrQueueFull is returned when the bounded inbound queue is at capacity.
// Webhook handlers translate it to 503 so the platform redelivers.
var ErrQueueFull = errors.New("inbound queue full")

// ACL filters inbound senders and groups. Empty lists allow everyone.
type ACL struct {
	// AllowedUsers holds normalized sender ids or usernames.
	AllowedUsers []string
	// AllowedGroups holds chat/guild ids.
	AllowedGroups []string
}

// AllowsSender reports whether the normalized sender identity passes.
// Anonymous senders never pass.
func (a ACL) AllowsSender(identity string) bool {
	if identity == "" {
		return false
	}
	if len(a.AllowedUsers) == 0 {
		return true
	}
	for _, u := range a.AllowedUsers {
		if u == identity {
			return true
		}
	}
	return false
}

// AllowsGroup reports whether the chat/guild id passes.
func (a ACL) AllowsGroup(groupID string) bool {
	if len(a.AllowedGroups) == 0 {
		return true
	}
	for _, g := range a.AllowedGroups {
		if g == groupID {
			return true
		}
	}
	return false
}

// IngressConfig tunes the shared ingress pipeline.
type IngressConfig struct {
	// QueueSize bounds the inbound channel.
	QueueSize int
	ACL       ACL
}

// Ingress is the shared path from adapter update to inbound queue:
// dedup, ACL, then bounded enqueue.
type Ingress struct {
	queue   chan *models.ChannelMessage
	deduper Deduper
	acl     ACL
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewIngress creates the pipeline. deduper may be nil to disable dedup.
func NewIngress(cfg IngressConfig, deduper Deduper, metrics *observability.Metrics, logger *slog.Logger) *Ingress {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		queue:   make(chan *models.ChannelMessage, cfg.QueueSize),
		deduper: deduper,
		acl:     cfg.ACL,
		metrics: metrics,
		logger:  logger.With("component", "ingress"),
	}
}

// Accept runs the message through dedup and ACL and enqueues it.
// Duplicates and denied senders are dropped silently with a nil return;
// a full queue returns ErrQueueFull.
func (in *Ingress) Accept(ctx context.Context, msg *models.ChannelMessage, updateID string) error {
	if in.deduper != nil && updateID != "" {
		seen, err := in.deduper.Seen(ctx, msg.Channel, updateID)
		if err != nil {
			in.logger.Warn("dedup check failed, accepting update", "error", err)
		} else if seen {
			in.logger.Debug("duplicate update dropped",
				"channel", msg.Channel, "update_id", updateID)
			in.count(msg.Channel, "duplicate")
			return nil
		}
	}

	if !in.acl.AllowsSender(msg.Sender) {
		in.logger.Debug("sender denied by acl", "sender", msg.Sender)
		in.count(msg.Channel, "denied")
		return nil
	}

	select {
	case in.queue <- msg:
		in.count(msg.Channel, "enqueued")
		return nil
	default:
		in.count(msg.Channel, "dropped")
		return ErrQueueFull
	}
}

func (in *Ingress) count(channel models.ChannelType, result string) {
	if in.metrics != nil {
		in.metrics.IngressUpdates.WithLabelValues(string(channel), result).Inc()
	}
}

// Messages is the bounded inbound stream consumed by the router.
func (in *Ingress) Messages() <-chan *models.ChannelMessage {
	return in.queue
}

// ValidSecret compares a webhook secret header against the configured
// value in constant time. An empty configured secret disables the check.
func ValidSecret(configured, presented string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
