package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davshare/davshare/storage"
	"github.com/davshare/davshare/storage/memory"
)

func calendarWith(event *ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//davshare//test//EN")
	cal.Children = append(cal.Children, event)
	return cal
}

func meetingEvent(attendees ...string) *ical.Component {
	event := testEvent("Planning", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), attendees...)
	organizer := ical.NewProp(ical.PropOrganizer)
	organizer.Value = "mailto:alice@example.com"
	event.Props.Set(organizer)
	return event
}

func itemOf(event *ical.Component) *storage.Item {
	return &storage.Item{UID: "ev-1", ETag: `"e"`, Calendar: calendarWith(event)}
}

func aliceCalendar() *storage.Collection {
	return &storage.Collection{OwnerID: "alice", ID: "alice", Kind: storage.KindCalendar}
}

func messagesByMethod(eff Effects) map[string][]*storage.Message {
	out := make(map[string][]*storage.Message)
	for _, msg := range eff.Messages {
		out[msg.Method] = append(out[msg.Method], msg)
	}
	return out
}

func TestEvaluateCreateInvitesAttendees(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	event := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com", "mailto:carol@example.com")
	setPartStat(event, "mailto:alice@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{Actor: "alice", Collection: aliceCalendar(), Current: itemOf(event)})

	require.Len(t, eff.Messages, 2)
	recipients := []string{eff.Messages[0].Recipient, eff.Messages[1].Recipient}
	assert.ElementsMatch(t, []string{"mailto:bob@example.com", "mailto:carol@example.com"}, recipients)
	for _, msg := range eff.Messages {
		assert.Equal(t, MethodRequest, msg.Method)
		assert.Equal(t, "ev-1", msg.UID)
		require.NotNil(t, msg.Calendar)
		method, err := msg.Calendar.Props.Text(ical.PropMethod)
		require.NoError(t, err)
		assert.Equal(t, MethodRequest, method)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, eff.EmailRecipients)
}

func TestEvaluateCreateDraftSuppressed(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	// Organizer still NEEDS-ACTION on their own event: a draft.
	event := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")

	eff := engine.Evaluate(Cause{Actor: "alice", Collection: aliceCalendar(), Current: itemOf(event)})
	assert.Empty(t, eff.Messages)
	assert.Empty(t, eff.EmailRecipients)
}

func TestEvaluateDraftConfirmationPublishes(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	draft := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	confirmed := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(confirmed, "mailto:alice@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{
		Actor:      "alice",
		Collection: aliceCalendar(),
		Previous:   itemOf(draft),
		Current:    itemOf(confirmed),
	})

	require.Len(t, eff.Messages, 1)
	assert.Equal(t, MethodRequest, eff.Messages[0].Method)
	assert.Equal(t, "mailto:bob@example.com", eff.Messages[0].Recipient)
}

func TestEvaluateOrganizerUpdate(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	prev := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com", "mailto:carol@example.com")
	setPartStat(prev, "mailto:alice@example.com", PartStatAccepted)

	// Carol dropped, Dave added, and the summary changed.
	curr := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com", "mailto:dave@example.com")
	setPartStat(curr, "mailto:alice@example.com", PartStatAccepted)
	curr.Props.SetText(ical.PropSummary, "Planning v2")

	eff := engine.Evaluate(Cause{
		Actor:      "alice",
		Collection: aliceCalendar(),
		Previous:   itemOf(prev),
		Current:    itemOf(curr),
	})

	byMethod := messagesByMethod(eff)

	// The removed attendee gets exactly one CANCEL and nothing else.
	require.Len(t, byMethod[MethodCancel], 1)
	assert.Equal(t, "mailto:carol@example.com", byMethod[MethodCancel][0].Recipient)

	requests := byMethod[MethodRequest]
	require.Len(t, requests, 2)
	for _, msg := range requests {
		assert.NotEqual(t, "mailto:carol@example.com", msg.Recipient)
		if msg.Recipient == "mailto:bob@example.com" {
			// Kept attendees see the field diff.
			require.Contains(t, msg.Changes, ical.PropSummary)
			assert.Equal(t, "Planning", msg.Changes[ical.PropSummary].Previous.OrEmpty())
			assert.Equal(t, "Planning v2", msg.Changes[ical.PropSummary].Current.OrEmpty())
		} else {
			// Fresh invitees get a plain REQUEST without history.
			assert.Equal(t, "mailto:dave@example.com", msg.Recipient)
			assert.Empty(t, msg.Changes)
		}
	}
}

func TestEvaluateAttendeeRemovalNotifiesKept(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	prev := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com", "mailto:carol@example.com")
	setPartStat(prev, "mailto:alice@example.com", PartStatAccepted)

	// Carol dropped, nothing else edited.
	curr := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(curr, "mailto:alice@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{
		Actor:      "alice",
		Collection: aliceCalendar(),
		Previous:   itemOf(prev),
		Current:    itemOf(curr),
	})

	byMethod := messagesByMethod(eff)
	require.Len(t, byMethod[MethodCancel], 1)
	assert.Equal(t, "mailto:carol@example.com", byMethod[MethodCancel][0].Recipient)

	// The kept attendee's copy is stale too: they get a REQUEST whose
	// diff says nothing about who was removed.
	require.Len(t, byMethod[MethodRequest], 1)
	kept := byMethod[MethodRequest][0]
	assert.Equal(t, "mailto:bob@example.com", kept.Recipient)
	assert.Empty(t, kept.Changes)
}

func TestEvaluateDeleteCancelsAttendees(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	event := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(event, "mailto:alice@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{Actor: "alice", Collection: aliceCalendar(), Previous: itemOf(event)})

	require.Len(t, eff.Messages, 1)
	assert.Equal(t, MethodCancel, eff.Messages[0].Method)
	assert.Equal(t, "mailto:bob@example.com", eff.Messages[0].Recipient)
}

func TestEvaluateDraftDeleteStaysSilent(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	// Organizer never confirmed: attendees never saw a REQUEST, so a
	// delete owes them no CANCEL either.
	draft := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")

	eff := engine.Evaluate(Cause{Actor: "alice", Collection: aliceCalendar(), Previous: itemOf(draft)})
	assert.Empty(t, eff.Messages)
	assert.Empty(t, eff.EmailRecipients)
}

func TestEvaluateCancelledResaveDoesNotRepeat(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	active := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(active, "mailto:alice@example.com", PartStatAccepted)
	cancelled := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(cancelled, "mailto:alice@example.com", PartStatAccepted)
	cancelled.Props.SetText(ical.PropStatus, "CANCELLED")

	// The first transition to CANCELLED fans out.
	eff := engine.Evaluate(Cause{
		Actor:      "alice",
		Collection: aliceCalendar(),
		Previous:   itemOf(active),
		Current:    itemOf(cancelled),
	})
	require.Len(t, eff.Messages, 1)
	assert.Equal(t, MethodCancel, eff.Messages[0].Method)

	// Re-saving the already-cancelled event does not.
	resaved := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(resaved, "mailto:alice@example.com", PartStatAccepted)
	resaved.Props.SetText(ical.PropStatus, "CANCELLED")
	again := engine.Evaluate(Cause{
		Actor:      "alice",
		Collection: aliceCalendar(),
		Previous:   itemOf(cancelled),
		Current:    itemOf(resaved),
	})
	assert.Empty(t, again.Messages)
}

func TestEvaluateAttendeeReply(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	prev := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	curr := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(curr, "mailto:bob@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{
		Actor:      "bob",
		Collection: aliceCalendar(),
		Previous:   itemOf(prev),
		Current:    itemOf(curr),
	})

	require.Len(t, eff.Messages, 1)
	assert.Equal(t, MethodReply, eff.Messages[0].Method)
	assert.Equal(t, "mailto:alice@example.com", eff.Messages[0].Recipient)
	assert.Empty(t, eff.ResourceTransition)
}

func TestEvaluateResourceTransition(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	room := &storage.Collection{OwnerID: "room-1", ID: "room-1", Kind: storage.KindCalendar, Resource: true}
	prev := meetingEvent("mailto:alice@example.com", "mailto:room-1@example.com")
	curr := meetingEvent("mailto:alice@example.com", "mailto:room-1@example.com")
	setPartStat(curr, "mailto:room-1@example.com", PartStatDeclined)

	eff := engine.Evaluate(Cause{
		Actor:      "room-1",
		Collection: room,
		Previous:   itemOf(prev),
		Current:    itemOf(curr),
	})

	assert.Equal(t, "declined", eff.ResourceTransition)
	require.Len(t, eff.Messages, 1)
	assert.Equal(t, MethodReply, eff.Messages[0].Method)
}

func TestEvaluateAttendeeCounter(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	prev := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	curr := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	newStart := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	curr.Props.SetDateTime(ical.PropDateTimeStart, newStart)
	curr.Props.SetDateTime(ical.PropDateTimeEnd, newStart.Add(time.Hour))

	eff := engine.Evaluate(Cause{
		Actor:      "bob",
		Collection: aliceCalendar(),
		Previous:   itemOf(prev),
		Current:    itemOf(curr),
	})

	require.Len(t, eff.Messages, 1)
	msg := eff.Messages[0]
	assert.Equal(t, MethodCounter, msg.Method)
	assert.Equal(t, "mailto:alice@example.com", msg.Recipient)
	require.NotNil(t, msg.Previous, "counter proposals carry the prior payload")
}

func TestEvaluateSubscriptionNeverSchedules(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	sub := &storage.Collection{
		OwnerID: "bob", ID: "mirror", Kind: storage.KindCalendar,
		Source: &storage.SourceRef{OwnerID: "alice", CollectionID: "alice"},
	}
	event := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(event, "mailto:alice@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{Actor: "bob", Collection: sub, Current: itemOf(event)})
	assert.Empty(t, eff.Messages)
}

func TestDispatchDeliversToInboxes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := NewEngine(store, nil)

	event := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(event, "mailto:alice@example.com", PartStatAccepted)

	eff := engine.Evaluate(Cause{Actor: "alice", Collection: aliceCalendar(), Current: itemOf(event)})
	engine.Dispatch(ctx, eff)

	msgs, err := store.ListMessages(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MethodRequest, msgs[0].Method)
}

func TestProcessIncomingRequest(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.EnsurePrincipal(ctx, "bob"))
	engine := NewEngine(store, nil)

	event := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	cal := calendarWith(event)
	cal.Props.SetText(ical.PropMethod, MethodRequest)

	require.NoError(t, engine.ProcessIncoming(ctx, "bob", cal))

	// The invitation materialized in Bob's default collection.
	item, err := store.GetItem(ctx, "bob", "bob", "ev-1")
	require.NoError(t, err)
	assert.Nil(t, item.Calendar.Props.Get(ical.PropMethod))

	msgs, err := store.ListMessages(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MethodRequest, msgs[0].Method)
	assert.Equal(t, "mailto:alice@example.com", msgs[0].Sender)
}

func TestProcessIncomingReplyFoldsPartStat(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.EnsurePrincipal(ctx, "alice"))
	engine := NewEngine(store, nil)

	organizerCopy := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	require.NoError(t, store.PutItem(ctx, "alice", "alice", itemOf(organizerCopy)))

	reply := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	setPartStat(reply, "mailto:bob@example.com", PartStatAccepted)
	cal := calendarWith(reply)
	cal.Props.SetText(ical.PropMethod, MethodReply)

	require.NoError(t, engine.ProcessIncoming(ctx, "alice", cal))

	item, err := store.GetItem(ctx, "alice", "alice", "ev-1")
	require.NoError(t, err)
	assert.Equal(t, PartStatAccepted, PartStat(item.Event(), "mailto:bob@example.com"))
	assert.Equal(t, 1, item.Sequence)
}

func TestProcessIncomingCancel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.EnsurePrincipal(ctx, "bob"))
	engine := NewEngine(store, nil)

	require.NoError(t, store.PutItem(ctx, "bob", "bob",
		itemOf(meetingEvent("mailto:alice@example.com", "mailto:bob@example.com"))))

	cancel := meetingEvent("mailto:alice@example.com", "mailto:bob@example.com")
	cal := calendarWith(cancel)
	cal.Props.SetText(ical.PropMethod, MethodCancel)

	require.NoError(t, engine.ProcessIncoming(ctx, "bob", cal))

	item, err := store.GetItem(ctx, "bob", "bob", "ev-1")
	require.NoError(t, err)
	assert.True(t, IsCancelled(item.Event()))
}

func TestProcessIncomingRejectsMalformedPayloads(t *testing.T) {
	engine := NewEngine(memory.New(), nil)

	noMethod := calendarWith(meetingEvent("mailto:alice@example.com"))
	err := engine.ProcessIncoming(context.Background(), "bob", noMethod)
	require.Error(t, err)

	noUID := ical.NewCalendar()
	noUID.Props.SetText(ical.PropMethod, MethodRequest)
	err = engine.ProcessIncoming(context.Background(), "bob", noUID)
	require.Error(t, err)
}
