package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Table names the collection an event refers to.
type Table string

const (
	TableKeys    Table = "access_keys"
	TableDevices Table = "device_registrations"
	TableAudit   Table = "audit_events"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event announces that a collection changed.
type Event struct {
	Table  Table     `json:"table"`
	At     time.Time `json:"at"`
	Source string    `json:"source,omitempty"`
}

// Publisher accepts change events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus is the in-process fan-out of change events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "notify"),
	}
}

// Subscription is a handle on a stream of events. Close releases it; it is
// also released when the context given to Subscribe is cancelled.
type Subscription struct {
	id     string
	tables map[Table]bool
	ch     chan Event
	done   chan struct{}
	bus    *Bus
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		close(s.done)
		s.bus.mu.Unlock()
		s.bus.logger.Debug("subscriber removed", "sub_id", s.id)
	})
}

func (s *Subscription) wants(t Table) bool {
	return len(s.tables) == 0 || s.tables[t]
}

// Subscribe registers for events on the given tables, or on all tables when
// none are named.
func (b *Bus) Subscribe(ctx context.Context, tables ...Table) *Subscription {
	sub := &Subscription{
		id:   uuid.New().String(),
		ch:   make(chan Event, subscriberBufferSize),
		done: make(chan struct{}),
		bus:  b,
	}
	if len(tables) > 0 {
		sub.tables = make(map[Table]bool, len(tables))
		for _, t := range tables {
			sub.tables[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	b.logger.Debug("subscriber added", "sub_id", sub.id, "tables", tables)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish delivers ev to every interested subscriber. Subscribers whose
// buffers are full miss the event.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Table) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber", "sub_id", sub.id, "table", ev.Table)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
