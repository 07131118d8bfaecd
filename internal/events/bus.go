// Package events carries fire-and-forget notifications from the core to the
// UI layer. Publishing never blocks: a subscriber that falls behind misses
// events rather than stalling a token exchange.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	KindAuthSuccess        Kind = "auth.success"
	KindAuthFailure        Kind = "auth.failure"
	KindAuthTimeout        Kind = "auth.timeout"
	KindTokenRefreshed     Kind = "token.refreshed"
	KindTokenRefreshFailed Kind = "token.refresh_failed"
	KindProfileUpdated     Kind = "profile.updated"
	KindConfigChanged      Kind = "config.changed"
)

// Event is a single notification.
type Event struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Provider string    `json:"provider,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// New builds an event with a fresh ID and the current time.
func New(kind Kind, provider, message string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Time:     time.Now().UTC(),
	}
}

// Publisher is the outbound side used by the core.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. The zero value is not usable; use NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// Compile-time check to ensure Bus implements Publisher
var _ Publisher = (*Bus)(nil)

// NewBus creates a Bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
