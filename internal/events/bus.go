// Package events provides the process-wide publish/subscribe bus. The bus
// is bounded: each subscriber owns a fixed-capacity ring and slow
// subscribers drop their oldest events rather than blocking publishers.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"omniagent/pkg/models"
)

// DefaultCapacity is the per-subscriber ring capacity.
const DefaultCapacity = 2048

// Bus fans events out to topic-prefix subscribers.
type Bus struct {
	capacity int

	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix string
	ch     chan models.Event
}

// NewBus creates a bus with the given per-subscriber capacity; zero or
// negative uses DefaultCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: map[int]*subscriber{}}
}

// Publish delivers the event to every subscriber whose prefix matches the
// topic. Filling a subscriber's ring evicts its oldest event.
func (b *Bus) Publish(source, topic string, payload map[string]any) {
	event := models.Event{
		ID:        uuid.NewString(),
		Source:    source,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		for {
			select {
			case sub.ch <- event:
			default:
				// Drop oldest, then retry; the loop terminates because
				// we are the only writer holding the read lock slot.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers interest in all topics sharing prefix. The returned
// cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(prefix string) (<-chan models.Event, func()) {
	sub := &subscriber{prefix: prefix, ch: make(chan models.Event, b.capacity)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Global bus lifecycle: initialized before first use, torn down at
// process exit. Components receive the bus by handle; the global exists
// for embedders that need a single shared instance.
var (
	globalMu  sync.Mutex
	globalBus *Bus
)

// InitGlobal installs the process-wide bus. It panics when called twice
// without an intervening TeardownGlobal.
func InitGlobal(capacity int) *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus != nil {
		panic("events: global bus already initialized")
	}
	globalBus = NewBus(capacity)
	return globalBus
}

// Global returns the process-wide bus, or nil before InitGlobal.
func Global() *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalBus
}

// TeardownGlobal removes the process-wide bus.
func TeardownGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalBus = nil
}
