package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

// EncodeCalendar serializes a VCALENDAR, stamping DTSTAMP on components
// that lack one.
func EncodeCalendar(cal *ical.Calendar) (string, error) {
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropDateTimeStamp) == nil {
			child.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		}
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

// DecodeCalendar parses a single VCALENDAR from its text form.
func DecodeCalendar(ics string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(ics)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return cal, nil
}

// EncodeCard serializes a vCard.
func EncodeCard(card vcard.Card) (string, error) {
	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return "", fmt.Errorf("failed to encode vcard: %w", err)
	}
	return buf.String(), nil
}

// DecodeCard parses a single vCard from its text form.
func DecodeCard(raw string) (vcard.Card, error) {
	card, err := vcard.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode vcard: %w", err)
	}
	return card, nil
}

// ItemPayload returns the item's wire representation: ICS for calendar
// items, vCard text for contacts.
func ItemPayload(item *Item) (string, error) {
	switch {
	case item.Calendar != nil:
		return EncodeCalendar(item.Calendar)
	case item.Card != nil:
		return EncodeCard(item.Card)
	default:
		return "", fmt.Errorf("item %s has no payload", item.UID)
	}
}

// UIDFromCalendar extracts the UID of the first VEVENT, falling back to
// the calendar-level UID prop.
func UIDFromCalendar(cal *ical.Calendar) string {
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if p := child.Props.Get(ical.PropUID); p != nil {
			return p.Value
		}
	}
	if p := cal.Props.Get(ical.PropUID); p != nil {
		return p.Value
	}
	return ""
}
