// Package channels is the ingress and egress plane: platform adapters,
// update deduplication, the outbound rate limit gate, and the retrying
// sender shared by all platforms.
package channels

import (
	"context"
	"time"

	"omniagent/pkg/models"
)

// Adapter is the unified surface over a messaging platform.
type Adapter interface {
	// Start begins receiving updates. It returns once the adapter is
	// connected; delivery continues until Stop or context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, closing the Messages channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message. Chunking, retries, and rate
	// limiting are handled inside the adapter's sender.
	Send(ctx context.Context, msg *OutboundMessage) error

	// Messages is the inbound stream. Closed when the adapter stops.
	Messages() <-chan *models.ChannelMessage

	// Type identifies the platform.
	Type() models.ChannelType

	// Status reports the current connection state.
	Status() Status
}

// Status is the connection state of an adapter.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"`
}

// Capabilities describes per-platform limits consulted by the chunker
// and sender.
type Capabilities struct {
	// MaxMessageCodePoints caps a single text send, in code points.
	MaxMessageCodePoints int
	// SupportsMediaGroups enables grouped photo/document sends.
	SupportsMediaGroups bool
	// ParseMode is the default formatting mode, empty for plain text.
	ParseMode string
}

// Registry manages the configured adapters.
type Registry struct {
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter, replacing any previous one of the same type.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for the channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts every adapter, failing on the first error.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.adapters {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages fans every adapter's inbound stream into one channel.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.ChannelMessage {
	out := make(chan *models.ChannelMessage)
	for _, adapter := range r.adapters {
		go func(a Adapter) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}
	return out
}

// nowMillis is the wall clock in unix milliseconds.
func nowMillis() int64 { return time.Now().UnixMilli() }
