// Package privacy computes the viewer-visible representation of an item.
// Redaction happens per read, never in storage: the owner and a public
// reader see different content for the same stored item at the same time.
package privacy

import (
	"github.com/emersion/go-ical"

	"github.com/davshare/davshare/storage"
)

// PlaceholderSummary replaces the summary of redacted private events, so
// busy/free availability still reads correctly.
const PlaceholderSummary = "Busy"

// View describes the viewer's relationship to the item's collection.
type View struct {
	// Owner: the viewer owns the canonical collection.
	Owner bool
	// ItemGrant: the viewer holds an explicit read grant on this item
	// beyond the generic public or delegated READ.
	ItemGrant bool
}

// Present returns the item as the viewer may see it. Private events are
// reduced to an opaque placeholder unless the viewer is the owner or has
// an item-level grant: summary becomes "Busy", description, location,
// attendee detail and alarms are stripped, while the UID and the time
// bounds stay visible.
func Present(item *storage.Item, view View) *storage.Item {
	if item.Calendar == nil {
		return item.Clone()
	}
	event := item.Event()
	if event == nil || !isPrivate(event) || view.Owner || view.ItemGrant {
		return item.Clone()
	}

	redacted := item.Clone()
	re := redacted.Event()
	re.Props.SetText(ical.PropSummary, PlaceholderSummary)
	re.Props.Del(ical.PropDescription)
	re.Props.Del(ical.PropLocation)
	re.Props.Del(ical.PropAttendee)
	re.Props.Del(ical.PropOrganizer)

	// Alarms are owner-local; they never leave the canonical copy.
	kept := re.Children[:0]
	for _, child := range re.Children {
		if child.Name != ical.CompAlarm {
			kept = append(kept, child)
		}
	}
	re.Children = kept
	return redacted
}

func isPrivate(event *ical.Component) bool {
	p := event.Props.Get(ical.PropClass)
	return p != nil && p.Value == "PRIVATE"
}
