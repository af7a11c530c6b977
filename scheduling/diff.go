// Package scheduling computes iTIP effects of item mutations: a pure
// diff over the previous and current payloads, and a dispatcher that
// delivers REQUEST/REPLY/CANCEL/COUNTER messages to scheduling inboxes.
package scheduling

import (
	"strings"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"

	"github.com/davshare/davshare/storage"
)

// iTIP methods.
const (
	MethodRequest = "REQUEST"
	MethodReply   = "REPLY"
	MethodCancel  = "CANCEL"
	MethodCounter = "COUNTER"
)

// Participation states.
const (
	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatTentative   = "TENTATIVE"
	PartStatDeclined    = "DECLINED"
)

// diffedFields is the fixed set of scalar event fields a REQUEST diff
// reports on.
var diffedFields = []string{
	ical.PropSummary,
	ical.PropLocation,
	ical.PropDescription,
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
}

// EventDiff is the result of comparing two revisions of an event.
type EventDiff struct {
	// Fields maps changed scalar fields to their previous/current values.
	// It never mentions attendees; the attendee-set delta lives in the
	// partition below so removed attendees are not leaked to the rest.
	Fields map[string]storage.FieldChange

	AddedAttendees   []string
	RemovedAttendees []string
	KeptAttendees    []string
}

// Empty reports whether nothing observable changed.
func (d EventDiff) Empty() bool {
	return len(d.Fields) == 0 && len(d.AddedAttendees) == 0 && len(d.RemovedAttendees) == 0
}

// Diff compares two event components field by field. Either side may be
// nil (create, delete).
func Diff(previous, current *ical.Component) EventDiff {
	d := EventDiff{Fields: make(map[string]storage.FieldChange)}

	for _, field := range diffedFields {
		prev := propValue(previous, field)
		curr := propValue(current, field)
		if prev.OrEmpty() != curr.OrEmpty() || prev.IsPresent() != curr.IsPresent() {
			d.Fields[field] = storage.FieldChange{Previous: prev, Current: curr}
		}
	}

	prevAtt := Attendees(previous)
	currAtt := Attendees(current)
	prevSet := toSet(prevAtt)
	currSet := toSet(currAtt)
	for _, a := range currAtt {
		if prevSet[a] {
			d.KeptAttendees = append(d.KeptAttendees, a)
		} else {
			d.AddedAttendees = append(d.AddedAttendees, a)
		}
	}
	for _, a := range prevAtt {
		if !currSet[a] {
			d.RemovedAttendees = append(d.RemovedAttendees, a)
		}
	}
	return d
}

// TimeChanged reports whether the diff moved the event in time.
func (d EventDiff) TimeChanged() bool {
	_, startChanged := d.Fields[ical.PropDateTimeStart]
	_, endChanged := d.Fields[ical.PropDateTimeEnd]
	return startChanged || endChanged
}

// Attendees lists the ATTENDEE addresses of an event.
func Attendees(comp *ical.Component) []string {
	if comp == nil {
		return nil
	}
	var out []string
	for _, p := range comp.Props[ical.PropAttendee] {
		if p.Value != "" {
			out = append(out, p.Value)
		}
	}
	return out
}

// Organizer returns the ORGANIZER address, or "".
func Organizer(comp *ical.Component) string {
	if comp == nil {
		return ""
	}
	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		return p.Value
	}
	return ""
}

// PartStat returns the participation status of an attendee address,
// defaulting to NEEDS-ACTION when the parameter is absent.
func PartStat(comp *ical.Component, address string) string {
	if comp == nil {
		return PartStatNeedsAction
	}
	for _, p := range comp.Props[ical.PropAttendee] {
		if !sameAddress(p.Value, address) {
			continue
		}
		if ps := p.Params.Get("PARTSTAT"); ps != "" {
			return ps
		}
		return PartStatNeedsAction
	}
	return PartStatNeedsAction
}

// IsCancelled reports STATUS:CANCELLED.
func IsCancelled(comp *ical.Component) bool {
	if comp == nil {
		return false
	}
	p := comp.Props.Get(ical.PropStatus)
	return p != nil && strings.EqualFold(p.Value, "CANCELLED")
}

// PrincipalFromAddress maps a calendar user address onto the principal it
// is provisioned for: the local part of the mailto URI.
func PrincipalFromAddress(address string) string {
	addr := strings.TrimPrefix(strings.ToLower(address), "mailto:")
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		return addr[:at]
	}
	return addr
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "mailto:"), strings.TrimPrefix(b, "mailto:"))
}

func propValue(comp *ical.Component, name string) mo.Option[string] {
	if comp == nil {
		return mo.None[string]()
	}
	if p := comp.Props.Get(name); p != nil {
		return mo.Some(p.Value)
	}
	return mo.None[string]()
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
