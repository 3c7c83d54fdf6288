// Package event carries driver lifecycle notifications to interested
// consumers (CLI progress display, log sinks). Publishing never blocks and
// driver correctness never depends on anyone listening.
package event

import (
	"sync"
	"time"
)

// Type tags a lifecycle notification.
type Type string

// Lifecycle notification types.
const (
	EngineFetching   Type = "engine_fetching"
	EngineLaunched   Type = "engine_launched"
	PageNavigating   Type = "page_navigating"
	PageLoaded       Type = "page_loaded"
	CaptureSucceeded Type = "capture_succeeded"
	SessionClosed    Type = "session_closed"
	DriverError      Type = "driver_error"
)

// Event is one lifecycle notification.
type Event struct {
	Type Type                   `json:"type"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Bus is a broadcast channel for Events. A nil *Bus is valid and silently
// discards everything, so components can treat their bus as optional.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer and returns its channel plus a cancel
// function. The channel is buffered; a consumer that falls behind loses
// events rather than stalling the driver.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish broadcasts an event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop.
		}
	}
}

// Emit is shorthand for Publish with just a type and data fields.
func (b *Bus) Emit(t Type, data map[string]interface{}) {
	b.Publish(Event{Type: t, Data: data})
}
