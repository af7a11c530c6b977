// Package notify publishes structured change events to a broker. Exactly
// one event per source-of-truth mutation; mutations under a subscription's
// namespace are filtered out structurally.
package notify

import (
	"context"
	"sync"
)

// Routing keys of the broker contract.
const (
	KeyEventCreated = "calendar:event:created"
	KeyEventUpdated = "calendar:event:updated"
	KeyEventDeleted = "calendar:event:deleted"

	KeyAlarmCreated = "calendar:event:alarm:created"
	KeyAlarmUpdated = "calendar:event:alarm:updated"
	KeyAlarmDeleted = "calendar:event:alarm:deleted"

	KeyNotificationEmail = "calendar:event:notificationEmail:send"

	KeyResourceEventCreated  = "resource:calendar:event:created"
	KeyResourceEventAccepted = "resource:calendar:event:accepted"
	KeyResourceEventDeclined = "resource:calendar:event:declined"

	KeyContactCreated = "sabre:contact:created"
	KeyContactUpdated = "sabre:contact:updated"
	KeyContactDeleted = "sabre:contact:deleted"
)

// Event is one published change notification.
type Event struct {
	RoutingKey string
	Payload    map[string]any
}

// Broker is the transport contract: topic-style publish with a routing
// key and a flat JSON-able payload.
type Broker interface {
	Publish(ctx context.Context, routingKey string, payload map[string]any) error
}

// MemoryBroker records published events; the test double and the default
// when no transport is configured.
type MemoryBroker struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryBroker creates an empty recording broker.
func NewMemoryBroker() *MemoryBroker { return &MemoryBroker{} }

func (b *MemoryBroker) Publish(_ context.Context, routingKey string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Event{RoutingKey: routingKey, Payload: payload})
	return nil
}

// Events returns a snapshot of everything published so far.
func (b *MemoryBroker) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// ByKey returns the published events with the given routing key.
func (b *MemoryBroker) ByKey(routingKey string) []Event {
	var out []Event
	for _, ev := range b.Events() {
		if ev.RoutingKey == routingKey {
			out = append(out, ev)
		}
	}
	return out
}
