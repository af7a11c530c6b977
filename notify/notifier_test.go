package notify

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davshare/davshare/storage"
)

func eventItem(uid string, withAlarm bool) *storage.Item {
	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, "Event")
	event.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	event.Props.SetDateTime(ical.PropDateTimeEnd, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if withAlarm {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText("ACTION", "DISPLAY")
		alarm.Props.SetText("TRIGGER", "-PT15M")
		event.Children = append(event.Children, alarm)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//davshare//test//EN")
	cal.Children = append(cal.Children, event)
	return &storage.Item{UID: uid, Calendar: cal}
}

func contactItem(uid string) *storage.Item {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, "Ada Lovelace")
	card.SetValue(vcard.FieldUID, uid)
	vcard.ToV4(card)
	return &storage.Item{UID: uid, Card: card}
}

func flush(n *Notifier) { n.Close() }

func TestItemSavedRoutingKeys(t *testing.T) {
	calendarCol := &storage.Collection{OwnerID: "alice", ID: "alice", Kind: storage.KindCalendar}
	bookCol := &storage.Collection{OwnerID: "alice", ID: "contacts", Kind: storage.KindAddressBook}
	resourceCol := &storage.Collection{OwnerID: "room-1", ID: "room-1", Kind: storage.KindCalendar, Resource: true}

	tests := []struct {
		name    string
		col     *storage.Collection
		item    *storage.Item
		created bool
		keys    []string
	}{
		{"event created", calendarCol, eventItem("e1", false), true, []string{KeyEventCreated}},
		{"event updated", calendarCol, eventItem("e1", false), false, []string{KeyEventUpdated}},
		{"event with alarm", calendarCol, eventItem("e1", true), true, []string{KeyEventCreated, KeyAlarmCreated}},
		{"contact created", bookCol, contactItem("c1"), true, []string{KeyContactCreated}},
		{"contact updated", bookCol, contactItem("c1"), false, []string{KeyContactUpdated}},
		{"resource booking", resourceCol, eventItem("e1", false), true, []string{KeyResourceEventCreated}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := NewMemoryBroker()
			n := NewNotifier(broker, nil)
			n.ItemSaved(tt.col, tt.item, tt.created)
			flush(n)

			events := broker.Events()
			var keys []string
			for _, ev := range events {
				keys = append(keys, ev.RoutingKey)
			}
			assert.Equal(t, tt.keys, keys)
		})
	}
}

func TestItemSavedPayload(t *testing.T) {
	broker := NewMemoryBroker()
	n := NewNotifier(broker, nil)

	col := &storage.Collection{OwnerID: "alice", ID: "alice", Kind: storage.KindCalendar}
	n.ItemSaved(col, eventItem("e1", false), true)
	flush(n)

	events := broker.ByKey(KeyEventCreated)
	require.Len(t, events, 1)
	payload := events[0].Payload
	assert.Equal(t, "/calendars/alice/alice/e1.ics", payload["path"])
	assert.Equal(t, "alice", payload["owner"])
	assert.Contains(t, payload["ics"], "BEGIN:VEVENT")
}

func TestSubscriptionWritesAreSuppressed(t *testing.T) {
	broker := NewMemoryBroker()
	n := NewNotifier(broker, nil)

	sub := &storage.Collection{
		OwnerID: "bob", ID: "mirror", Kind: storage.KindCalendar,
		Source: &storage.SourceRef{OwnerID: "alice", CollectionID: "alice"},
	}
	n.ItemSaved(sub, eventItem("e1", false), true)
	n.ItemDeleted(sub, eventItem("e1", false))
	flush(n)

	assert.Empty(t, broker.Events())
}

func TestItemDeleted(t *testing.T) {
	broker := NewMemoryBroker()
	n := NewNotifier(broker, nil)

	col := &storage.Collection{OwnerID: "alice", ID: "alice", Kind: storage.KindCalendar}
	n.ItemDeleted(col, eventItem("e1", true))
	flush(n)

	var keys []string
	for _, ev := range broker.Events() {
		keys = append(keys, ev.RoutingKey)
	}
	assert.Equal(t, []string{KeyEventDeleted, KeyAlarmDeleted}, keys)
}

func TestResourceTransition(t *testing.T) {
	broker := NewMemoryBroker()
	n := NewNotifier(broker, nil)

	col := &storage.Collection{OwnerID: "room-1", ID: "room-1", Kind: storage.KindCalendar, Resource: true}
	n.ResourceTransition(col, eventItem("e1", false), "accepted")
	n.ResourceTransition(col, eventItem("e1", false), "declined")
	flush(n)

	assert.Len(t, broker.ByKey(KeyResourceEventAccepted), 1)
	assert.Len(t, broker.ByKey(KeyResourceEventDeclined), 1)
}

func TestEmailNotification(t *testing.T) {
	broker := NewMemoryBroker()
	n := NewNotifier(broker, nil)

	msg := &storage.Message{Method: "REQUEST", UID: "e1", Calendar: eventItem("e1", false).Calendar}
	n.EmailNotification([]string{"bob", "carol"}, msg)
	flush(n)

	events := broker.ByKey(KeyNotificationEmail)
	require.Len(t, events, 2)
	assert.Equal(t, "bob", events[0].Payload["recipient"])
	assert.Equal(t, "REQUEST", events[0].Payload["method"])
	assert.Contains(t, events[0].Payload["ics"], "BEGIN:VCALENDAR")
}
