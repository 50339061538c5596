// Package events provides the in-process event bus that feeds the local
// SSE stream. Publishers are the refresh scheduler, the batch fetcher and
// the layout store; the only long-lived subscriber is the events stream
// handler.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of events on the bus.
type EventType string

const (
	// PricesUpdated fires after a successful prices-only refresh was merged.
	PricesUpdated EventType = "prices_updated"
	// BatchRefreshed fires after a batch payload was fetched and applied.
	BatchRefreshed EventType = "batch_refreshed"
	// LayoutChanged fires after a layout save or a saved-layout apply.
	LayoutChanged EventType = "layout_changed"
	// SettingsChanged fires after an auto-refresh setting was written.
	SettingsChanged EventType = "settings_changed"
	// RefreshCompleted fires after a manual refresh finished (both fetches).
	RefreshCompleted EventType = "refresh_completed"
)

// Event is a single bus message.
type Event struct {
	Type EventType   `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	log  zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Publish delivers an event to all subscribers. Never blocks: if a
// subscriber's buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, data interface{}) {
	event := Event{Type: eventType, Time: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Warn().
				Int("subscriber", id).
				Str("event_type", string(eventType)).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}

// Subscribe returns a buffered event channel and an unsubscribe function.
// Unsubscribing closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}
