// Package events carries store-change notifications from the sync engine,
// mutation coordinator and draft service to whoever renders the mailbox.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	// ThreadsChanged means thread rows were written or deleted.
	ThreadsChanged Kind = "threads.changed"
	// DraftsChanged means draft rows were written.
	DraftsChanged Kind = "drafts.changed"
	// SyncState reports a sync engine state transition.
	SyncState Kind = "sync.state"
	// SyncFailed reports a sync that ended in error.
	SyncFailed Kind = "sync.failed"
	// MutationFailed reports a remote mutation that was rolled back.
	MutationFailed Kind = "mutation.failed"
	// AccountsChanged means an account was added or removed.
	AccountsChanged Kind = "accounts.changed"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	Account   string    `json:"account,omitempty"`
	ThreadIDs []string  `json:"threadIds,omitempty"`
	DraftID   string    `json:"draftId,omitempty"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger, now: time.Now}
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and must be called exactly once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event dropped for slow subscriber", "subscriber", id, "kind", e.Kind)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
