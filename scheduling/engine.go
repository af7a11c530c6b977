package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/davshare/davshare/metrics"
	"github.com/davshare/davshare/storage"
)

// Cause describes one committed item mutation on a collection. Previous
// is nil on create, Current is nil on delete.
type Cause struct {
	Actor      string
	Collection *storage.Collection
	Previous   *storage.Item
	Current    *storage.Item
}

// Effects is what a mutation implies for the scheduling subsystem. It is
// computed without IO so the evaluation is unit-testable on its own.
type Effects struct {
	Messages []*storage.Message

	// EmailRecipients are the principals owed a notification email event.
	EmailRecipients []string

	// ResourceTransition is "accepted" or "declined" when a booking
	// calendar's own participation changed, "" otherwise.
	ResourceTransition string
}

// Engine evaluates scheduling effects and dispatches them to inboxes.
type Engine struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewEngine creates a scheduling engine.
func NewEngine(store storage.Storage, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Evaluate computes the iTIP consequences of a mutation. Mutations landing
// on a subscription's mirrored copy never schedule: attendees are driven
// from the canonical item only, which the projector mutates first.
func (e *Engine) Evaluate(cause Cause) Effects {
	if cause.Collection == nil || cause.Collection.IsSubscription() {
		return Effects{}
	}

	prevEvent := eventOf(cause.Previous)
	currEvent := eventOf(cause.Current)
	if prevEvent == nil && currEvent == nil {
		return Effects{}
	}

	if currEvent == nil || IsCancelled(currEvent) {
		return e.evaluateCancel(cause, prevEvent, currEvent)
	}
	if prevEvent == nil {
		return e.evaluateCreate(cause, currEvent)
	}
	return e.evaluateUpdate(cause, prevEvent, currEvent)
}

func (e *Engine) evaluateCancel(cause Cause, prevEvent, currEvent *ical.Component) Effects {
	event := currEvent
	if event == nil {
		event = prevEvent
	}
	organizer := Organizer(event)
	if organizer == "" {
		return Effects{}
	}
	// A CANCEL is only owed where a REQUEST actually went out. Drafts and
	// already-cancelled previous revisions never announced anything.
	if prevEvent == nil || organizerDraft(prevEvent) || IsCancelled(prevEvent) {
		return Effects{}
	}

	var eff Effects
	item := cause.Current
	if item == nil {
		item = cause.Previous
	}
	for _, attendee := range Attendees(event) {
		principal := PrincipalFromAddress(attendee)
		if principal == cause.Actor {
			continue
		}
		eff.Messages = append(eff.Messages, e.message(MethodCancel, cause.Actor, attendee, item, nil, nil))
		eff.EmailRecipients = append(eff.EmailRecipients, principal)
	}
	return eff
}

func (e *Engine) evaluateCreate(cause Cause, event *ical.Component) Effects {
	organizer := Organizer(event)
	attendees := Attendees(event)
	if organizer == "" || len(attendees) == 0 {
		return Effects{}
	}
	// A freshly created event whose organizer has not confirmed their own
	// participation is a draft: attendees hear nothing until the
	// organizer's partstat leaves NEEDS-ACTION.
	if cause.Actor == PrincipalFromAddress(organizer) && organizerDraft(event) {
		return Effects{}
	}

	var eff Effects
	for _, attendee := range attendees {
		principal := PrincipalFromAddress(attendee)
		if principal == cause.Actor {
			continue
		}
		eff.Messages = append(eff.Messages, e.message(MethodRequest, cause.Actor, attendee, cause.Current, nil, nil))
		eff.EmailRecipients = append(eff.EmailRecipients, principal)
	}
	return eff
}

func (e *Engine) evaluateUpdate(cause Cause, prevEvent, currEvent *ical.Component) Effects {
	d := Diff(prevEvent, currEvent)
	if d.Empty() && !partStatChanged(prevEvent, currEvent) {
		return Effects{}
	}

	organizer := Organizer(currEvent)
	if organizer == "" {
		return Effects{}
	}

	if cause.Actor == PrincipalFromAddress(organizer) {
		return e.organizerUpdate(cause, prevEvent, d)
	}
	return e.attendeeUpdate(cause, prevEvent, currEvent, organizer, d)
}

// organizerUpdate fans out the organizer's edit: removed attendees get a
// CANCEL and nothing else, added attendees get a plain REQUEST, remaining
// attendees get a REQUEST carrying the field diff.
func (e *Engine) organizerUpdate(cause Cause, prevEvent *ical.Component, d EventDiff) Effects {
	currEvent := eventOf(cause.Current)
	if organizerDraft(currEvent) {
		return Effects{}
	}

	// The organizer confirming their own participation publishes the
	// deferred invitation: every attendee now receives the REQUEST the
	// draft suppressed.
	if organizerDraft(prevEvent) {
		var eff Effects
		for _, attendee := range Attendees(currEvent) {
			principal := PrincipalFromAddress(attendee)
			if principal == cause.Actor {
				continue
			}
			eff.Messages = append(eff.Messages, e.message(MethodRequest, cause.Actor, attendee, cause.Current, nil, nil))
			eff.EmailRecipients = append(eff.EmailRecipients, principal)
		}
		return eff
	}

	var eff Effects
	for _, attendee := range d.RemovedAttendees {
		principal := PrincipalFromAddress(attendee)
		if principal == cause.Actor {
			continue
		}
		eff.Messages = append(eff.Messages, e.message(MethodCancel, cause.Actor, attendee, cause.Current, nil, nil))
		eff.EmailRecipients = append(eff.EmailRecipients, principal)
	}
	for _, attendee := range d.AddedAttendees {
		principal := PrincipalFromAddress(attendee)
		if principal == cause.Actor {
			continue
		}
		eff.Messages = append(eff.Messages, e.message(MethodRequest, cause.Actor, attendee, cause.Current, nil, nil))
		eff.EmailRecipients = append(eff.EmailRecipients, principal)
	}
	// Kept attendees hear about field edits and about attendee-set changes
	// (the event they hold is stale either way); the diff payload never
	// names the removed attendees.
	if len(d.Fields) > 0 || len(d.AddedAttendees) > 0 || len(d.RemovedAttendees) > 0 {
		for _, attendee := range d.KeptAttendees {
			principal := PrincipalFromAddress(attendee)
			if principal == cause.Actor {
				continue
			}
			eff.Messages = append(eff.Messages, e.message(MethodRequest, cause.Actor, attendee, cause.Current, d.Fields, nil))
			eff.EmailRecipients = append(eff.EmailRecipients, principal)
		}
	}
	return eff
}

// attendeeUpdate turns an attendee's own edit into a REPLY (participation
// change) or a COUNTER (proposed new time, carrying old and new payloads)
// addressed to the organizer.
func (e *Engine) attendeeUpdate(cause Cause, prevEvent, currEvent *ical.Component, organizer string, d EventDiff) Effects {
	actorAddr := addressOfPrincipal(currEvent, cause.Actor)
	if actorAddr == "" {
		return Effects{}
	}

	var eff Effects
	switch {
	case d.TimeChanged():
		var prevCal *ical.Calendar
		if cause.Previous != nil {
			prevCal = cause.Previous.Clone().Calendar
		}
		eff.Messages = append(eff.Messages,
			e.message(MethodCounter, cause.Actor, organizer, cause.Current, nil, prevCal))
		eff.EmailRecipients = append(eff.EmailRecipients, PrincipalFromAddress(organizer))
	case PartStat(prevEvent, actorAddr) != PartStat(currEvent, actorAddr):
		eff.Messages = append(eff.Messages,
			e.message(MethodReply, cause.Actor, organizer, cause.Current, nil, nil))
		eff.EmailRecipients = append(eff.EmailRecipients, PrincipalFromAddress(organizer))
		if cause.Collection.Resource {
			switch PartStat(currEvent, actorAddr) {
			case PartStatAccepted:
				eff.ResourceTransition = "accepted"
			case PartStatDeclined:
				eff.ResourceTransition = "declined"
			}
		}
	}
	return eff
}

// Dispatch delivers the computed messages to the recipients' inboxes.
// Delivery failures are logged, never propagated: the source mutation is
// already committed and must not be rolled back.
func (e *Engine) Dispatch(ctx context.Context, eff Effects) {
	for _, msg := range eff.Messages {
		principal := PrincipalFromAddress(msg.Recipient)
		if err := e.store.DeliverMessage(ctx, principal, msg); err != nil {
			e.logger.Error("scheduling message delivery failed",
				"method", msg.Method, "recipient", principal, "uid", msg.UID, "error", err)
			continue
		}
		metrics.SchedulingMessageDelivered(msg.Method)
	}
}

// ProcessIncoming handles an external iTIP message addressed to one of our
// principals: REQUESTs materialize in the recipient's default collection,
// REPLYs fold the sender's participation into the organizer's copy,
// CANCELs mark it cancelled. Every method lands in the inbox.
func (e *Engine) ProcessIncoming(ctx context.Context, recipient string, cal *ical.Calendar) error {
	methodProp := cal.Props.Get(ical.PropMethod)
	if methodProp == nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "itip payload has no METHOD"}
	}
	method := methodProp.Value
	uid := storage.UIDFromCalendar(cal)
	if uid == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "itip payload has no UID"}
	}

	switch method {
	case MethodRequest:
		// Incoming invitations always land in the default collection,
		// never in a custom one.
		item := &storage.Item{UID: uid, ETag: newETag(), Calendar: stripMethod(cal)}
		if existing, err := e.store.GetItem(ctx, recipient, recipient, uid); err == nil {
			item.Sequence = existing.Sequence + 1
		}
		if err := e.store.PutItem(ctx, recipient, recipient, item); err != nil {
			return fmt.Errorf("failed to materialize itip request: %w", err)
		}
	case MethodReply:
		if err := e.applyReply(ctx, recipient, uid, cal); err != nil {
			return err
		}
	case MethodCancel:
		if existing, err := e.store.GetItem(ctx, recipient, recipient, uid); err == nil {
			if ev := existing.Event(); ev != nil {
				ev.Props.SetText(ical.PropStatus, "CANCELLED")
			}
			existing.Sequence++
			if err := e.store.PutItem(ctx, recipient, recipient, existing); err != nil {
				return fmt.Errorf("failed to cancel materialized copy: %w", err)
			}
		}
	}

	sender := ""
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			sender = Organizer(child)
			break
		}
	}
	msg := &storage.Message{
		ID:        uuid.NewString(),
		Method:    method,
		Sender:    sender,
		Recipient: recipient,
		UID:       uid,
		Calendar:  stripMethod(cal),
		Received:  time.Now(),
	}
	if err := e.store.DeliverMessage(ctx, recipient, msg); err != nil {
		return fmt.Errorf("failed to deliver itip message: %w", err)
	}
	metrics.SchedulingMessageDelivered(method)
	return nil
}

// applyReply folds the replying attendee's PARTSTAT into the organizer's
// canonical copy.
func (e *Engine) applyReply(ctx context.Context, recipient, uid string, cal *ical.Calendar) error {
	item, err := e.store.GetItem(ctx, recipient, recipient, uid)
	if err != nil {
		return err
	}
	event := item.Event()
	if event == nil {
		return nil
	}

	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		for _, replyAtt := range child.Props[ical.PropAttendee] {
			ps := replyAtt.Params.Get("PARTSTAT")
			if ps == "" {
				continue
			}
			for i, att := range event.Props[ical.PropAttendee] {
				if sameAddress(att.Value, replyAtt.Value) {
					att.Params.Set("PARTSTAT", ps)
					event.Props[ical.PropAttendee][i] = att
				}
			}
		}
	}
	item.Sequence++
	return e.store.PutItem(ctx, recipient, recipient, item)
}

func (e *Engine) message(method, actor, recipient string, item *storage.Item, changes map[string]storage.FieldChange, previous *ical.Calendar) *storage.Message {
	msg := &storage.Message{
		ID:        uuid.NewString(),
		Method:    method,
		Sender:    actor,
		Recipient: recipient,
		Changes:   changes,
		Previous:  previous,
		Received:  time.Now(),
	}
	if item != nil {
		msg.UID = item.UID
		if item.Calendar != nil {
			dup := item.Clone().Calendar
			dup.Props.SetText(ical.PropMethod, method)
			msg.Calendar = dup
		}
	}
	return msg
}

func eventOf(item *storage.Item) *ical.Component {
	if item == nil {
		return nil
	}
	return item.Event()
}

func addressOfPrincipal(event *ical.Component, principal string) string {
	for _, attendee := range Attendees(event) {
		if PrincipalFromAddress(attendee) == principal {
			return attendee
		}
	}
	return ""
}

// organizerDraft reports whether the organizer is listed among the
// attendees with a participation still at NEEDS-ACTION.
func organizerDraft(event *ical.Component) bool {
	organizer := Organizer(event)
	if organizer == "" {
		return false
	}
	for _, attendee := range Attendees(event) {
		if sameAddress(attendee, organizer) {
			return PartStat(event, attendee) == PartStatNeedsAction
		}
	}
	return false
}

func partStatChanged(prev, curr *ical.Component) bool {
	for _, attendee := range Attendees(curr) {
		if PartStat(prev, attendee) != PartStat(curr, attendee) {
			return true
		}
	}
	return false
}

func stripMethod(cal *ical.Calendar) *ical.Calendar {
	item := &storage.Item{Calendar: cal}
	dup := item.Clone().Calendar
	dup.Props.Del(ical.PropMethod)
	return dup
}

func newETag() string { return `"` + uuid.NewString() + `"` }
