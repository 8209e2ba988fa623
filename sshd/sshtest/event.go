package sshtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/sftpcloudfs/sshd/sshtest/scenario"
)

// EventBus collects and queries events.
type EventBus struct {
	mu     sync.Mutex
	events []scenario.Event
	// closed and replaced on every Emit
	changed chan struct{}
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{changed: make(chan struct{})}
}

// Emit records an event. Attrs are key-value pairs.
func (eb *EventBus) Emit(id string, attrs ...string) {
	event := scenario.Event{
		ID:        id,
		Timestamp: time.Now(),
		Attrs:     make(map[string]string, len(attrs)/2),
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		event.Attrs[attrs[i]] = attrs[i+1]
	}
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	close(eb.changed)
	eb.changed = make(chan struct{})
	eb.mu.Unlock()
}

// Wait blocks until a matching event exists or ctx is done.
func (eb *EventBus) Wait(ctx context.Context, id string, attrs ...string) (scenario.Event, error) {
	for {
		eb.mu.Lock()
		event, found := eb.find(id, attrs...)
		changed := eb.changed
		eb.mu.Unlock()
		if found {
			return event, nil
		}
		select {
		case <-ctx.Done():
			return scenario.Event{}, fmt.Errorf("timeout waiting for event %q: %w", id, ctx.Err())
		case <-changed:
		}
	}
}

// WaitTimeout is Wait with a timeout.
func (eb *EventBus) WaitTimeout(timeout time.Duration, id string, attrs ...string) (scenario.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return eb.Wait(ctx, id, attrs...)
}

// Has reports whether a matching event was emitted.
func (eb *EventBus) Has(id string, attrs ...string) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	_, found := eb.find(id, attrs...)
	return found
}

// Count returns the number of matching events.
func (eb *EventBus) Count(id string, attrs ...string) int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	n := 0
	for _, e := range eb.events {
		if e.Matches(id, attrs...) {
			n++
		}
	}
	return n
}

// All returns a copy of every event.
func (eb *EventBus) All() []scenario.Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return append([]scenario.Event(nil), eb.events...)
}

func (eb *EventBus) find(id string, attrs ...string) (scenario.Event, bool) {
	for _, e := range eb.events {
		if e.Matches(id, attrs...) {
			return e, true
		}
	}
	return scenario.Event{}, false
}
