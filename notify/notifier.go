package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emersion/go-ical"

	"github.com/davshare/davshare/metrics"
	"github.com/davshare/davshare/storage"
)

// Notifier turns committed mutations into broker events. Publishing is
// asynchronous relative to the mutating request, but a single dispatch
// goroutine preserves per-item ordering (created before updated before
// deleted for the same UID).
type Notifier struct {
	broker Broker
	logger *slog.Logger

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

// NewNotifier creates a notifier and starts its dispatch loop.
func NewNotifier(broker Broker, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		broker: broker,
		logger: logger,
		queue:  make(chan Event, 256),
	}
	n.wg.Add(1)
	go n.dispatch()
	return n
}

func (n *Notifier) dispatch() {
	defer n.wg.Done()
	for ev := range n.queue {
		// Broker unavailability never rolls back the committed mutation;
		// the transport owns retries.
		if err := n.broker.Publish(context.Background(), ev.RoutingKey, ev.Payload); err != nil {
			n.logger.Error("broker publish failed", "routing_key", ev.RoutingKey, "error", err)
			continue
		}
		metrics.BrokerEventPublished(ev.RoutingKey)
	}
}

// Close drains the queue and stops the dispatch loop.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.queue) })
	n.wg.Wait()
}

func (n *Notifier) publish(ev Event) {
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("notification queue full, dropping event", "routing_key", ev.RoutingKey)
	}
}

// ItemSaved emits the created/updated event for a committed item write.
// Writes landing under a subscription's namespace emit nothing.
func (n *Notifier) ItemSaved(col *storage.Collection, item *storage.Item, created bool) {
	if n.suppressed(col) {
		return
	}

	payload, ok := n.itemPayload(col, item)
	if !ok {
		return
	}

	switch {
	case col.Kind == storage.KindAddressBook:
		n.publish(Event{RoutingKey: contactKey(created), Payload: payload})
	case col.Resource && created:
		n.publish(Event{RoutingKey: KeyResourceEventCreated, Payload: payload})
	default:
		key := KeyEventUpdated
		if created {
			key = KeyEventCreated
		}
		n.publish(Event{RoutingKey: key, Payload: payload})
		if hasAlarm(item) {
			alarmKey := KeyAlarmUpdated
			if created {
				alarmKey = KeyAlarmCreated
			}
			n.publish(Event{RoutingKey: alarmKey, Payload: payload})
		}
	}
}

// ItemDeleted emits the deleted event for a committed item removal.
func (n *Notifier) ItemDeleted(col *storage.Collection, item *storage.Item) {
	if n.suppressed(col) {
		return
	}

	payload, ok := n.itemPayload(col, item)
	if !ok {
		return
	}
	if col.Kind == storage.KindAddressBook {
		n.publish(Event{RoutingKey: KeyContactDeleted, Payload: payload})
		return
	}
	n.publish(Event{RoutingKey: KeyEventDeleted, Payload: payload})
	if hasAlarm(item) {
		n.publish(Event{RoutingKey: KeyAlarmDeleted, Payload: payload})
	}
}

// ResourceTransition emits the accept/decline event of a booking calendar.
func (n *Notifier) ResourceTransition(col *storage.Collection, item *storage.Item, transition string) {
	if n.suppressed(col) {
		return
	}
	payload, ok := n.itemPayload(col, item)
	if !ok {
		return
	}
	switch transition {
	case "accepted":
		n.publish(Event{RoutingKey: KeyResourceEventAccepted, Payload: payload})
	case "declined":
		n.publish(Event{RoutingKey: KeyResourceEventDeclined, Payload: payload})
	}
}

// EmailNotification emits one notification-email event per recipient of a
// scheduling message.
func (n *Notifier) EmailNotification(recipients []string, msg *storage.Message) {
	for _, recipient := range recipients {
		payload := map[string]any{
			"recipient": recipient,
			"method":    msg.Method,
			"uid":       msg.UID,
		}
		if msg.Calendar != nil {
			if ics, err := storage.EncodeCalendar(msg.Calendar); err == nil {
				payload["ics"] = ics
			}
		}
		n.publish(Event{RoutingKey: KeyNotificationEmail, Payload: payload})
	}
}

// suppressed recognizes subscription paths structurally: the collection's
// (owner, id) pair not being the canonical source pair.
func (n *Notifier) suppressed(col *storage.Collection) bool {
	if col.IsSubscription() {
		metrics.EventSuppressed()
		return true
	}
	return false
}

func (n *Notifier) itemPayload(col *storage.Collection, item *storage.Item) (map[string]any, bool) {
	payload := map[string]any{
		"path":  col.ItemHref(item.UID),
		"owner": col.OwnerID,
	}
	switch {
	case item.Calendar != nil:
		ics, err := storage.EncodeCalendar(item.Calendar)
		if err != nil {
			n.logger.Error("failed to encode event payload", "uid", item.UID, "error", err)
			return nil, false
		}
		payload["ics"] = ics
	case item.Card != nil:
		carddata, err := storage.EncodeCard(item.Card)
		if err != nil {
			n.logger.Error("failed to encode contact payload", "uid", item.UID, "error", err)
			return nil, false
		}
		payload["carddata"] = carddata
	}
	return payload, true
}

func contactKey(created bool) string {
	if created {
		return KeyContactCreated
	}
	return KeyContactUpdated
}

func hasAlarm(item *storage.Item) bool {
	event := item.Event()
	if event == nil {
		return false
	}
	for _, child := range event.Children {
		if child.Name == ical.CompAlarm {
			return true
		}
	}
	return false
}
