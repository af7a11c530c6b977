// Package recurrence answers "does this event occur inside a time range",
// including RRULE/RDATE/EXDATE expansion, for time-range item listings.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// Info holds the recurrence-related properties of an event.
type Info struct {
	RRule   string // RRULE value, without the "RRULE:" prefix
	RDates  []time.Time
	ExDates []time.Time
}

// Recurring reports whether the event repeats at all.
func (in Info) Recurring() bool {
	return in.RRule != "" || len(in.RDates) > 0
}

// FromComponent extracts recurrence info from a VEVENT component.
func FromComponent(comp *ical.Component) Info {
	var info Info
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil && p.Value != "" {
		info.RRule = p.Value
	}
	if p := comp.Props.Get(ical.PropRecurrenceDates); p != nil && p.Value != "" {
		info.RDates = parseDateList(p.Value, p.Params)
	}
	if p := comp.Props.Get(ical.PropExceptionDates); p != nil && p.Value != "" {
		info.ExDates = parseDateList(p.Value, p.Params)
	}
	return info
}

// OccursInRange reports whether any occurrence of the event overlaps
// [rangeStart, rangeEnd]. The master occurrence is checked first so
// non-recurring events never pay for rule expansion.
func OccursInRange(masterStart, masterEnd time.Time, info Info, rangeStart, rangeEnd time.Time) (bool, error) {
	if overlaps(masterStart, masterEnd, rangeStart, rangeEnd) && !excluded(masterStart, info.ExDates) {
		return true, nil
	}

	if info.RRule != "" {
		occurrences, err := expandRule(masterStart, info.RRule, rangeStart, rangeEnd)
		if err != nil {
			return false, err
		}
		for _, occ := range occurrences {
			if !excluded(occ, info.ExDates) {
				return true, nil
			}
		}
	}

	duration := masterEnd.Sub(masterStart)
	for _, rdate := range info.RDates {
		if overlaps(rdate, rdate.Add(duration), rangeStart, rangeEnd) && !excluded(rdate, info.ExDates) {
			return true, nil
		}
	}
	return false, nil
}

// EventSpan extracts the start and end of a VEVENT, handling DTEND,
// DURATION and all-day defaults.
func EventSpan(comp *ical.Component) (start, end time.Time, ok bool) {
	dtstart, err := comp.Props.DateTime(ical.PropDateTimeStart, nil)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	start = dtstart

	if dtend, err := comp.Props.DateTime(ical.PropDateTimeEnd, nil); err == nil {
		end = dtend
	} else if p := comp.Props.Get(ical.PropDuration); p != nil {
		if d, err := p.Duration(); err == nil {
			end = start.Add(d)
		} else {
			return time.Time{}, time.Time{}, false
		}
	} else if allDay(start) {
		end = start.AddDate(0, 0, 1)
	} else {
		end = start
	}

	// An all-day event whose DTEND collapses onto DTSTART spans the day.
	if allDay(start) && end.Equal(start) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end, true
}

func overlaps(start, end, rangeStart, rangeEnd time.Time) bool {
	return !start.After(rangeEnd) && !end.Before(rangeStart)
}

func expandRule(masterStart time.Time, rule string, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	dtstart := masterStart.UTC().Format("20060102T150405Z")
	set, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s", dtstart, rule))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE %q: %w", rule, err)
	}
	return set.Between(rangeStart, rangeEnd, true), nil
}

func excluded(t time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if t.Equal(ex) {
			return true
		}
		// Date-only exceptions are stored as midnight UTC and exclude the
		// whole day.
		if allDay(ex) && ex.Location() == time.UTC {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if day.Equal(ex) {
				return true
			}
		}
	}
	return false
}

func parseDateList(value string, params map[string][]string) []time.Time {
	dateOnly := false
	if vp := params["VALUE"]; len(vp) > 0 && strings.ToUpper(vp[0]) == "DATE" {
		dateOnly = true
	}

	var out []time.Time
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, ok := parseDate(raw, dateOnly); ok {
			out = append(out, t)
		}
	}
	return out
}

func parseDate(raw string, dateOnly bool) (time.Time, bool) {
	if !dateOnly {
		if t, err := time.Parse("20060102T150405Z", raw); err == nil {
			return t, true
		}
	}
	t, err := time.Parse("20060102", raw)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

func allDay(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}
