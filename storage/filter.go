package storage

import (
	"time"

	"github.com/davshare/davshare/recurrence"
)

// TimeRange bounds a listing query. A nil bound leaves that side open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether the span [start, end] overlaps the range.
// Overlap uses the usual half-open convention: start <= range end AND
// end >= range start.
func (tr *TimeRange) Contains(start, end time.Time) bool {
	if tr == nil {
		return true
	}
	if tr.End != nil && start.After(*tr.End) {
		return false
	}
	if tr.Start != nil && end.Before(*tr.Start) {
		return false
	}
	return true
}

// MatchesRange applies the time-range filter to calendar items, expanding
// recurrences when needed. Contacts and untimed items always match.
func MatchesRange(item *Item, tr *TimeRange) (bool, error) {
	if tr == nil || item.Calendar == nil {
		return true, nil
	}
	event := item.Event()
	if event == nil {
		return true, nil
	}
	start, end, ok := recurrence.EventSpan(event)
	if !ok {
		return true, nil
	}

	rangeStart, rangeEnd := tr.bounds()
	info := recurrence.FromComponent(event)
	if !info.Recurring() {
		return tr.Contains(start, end), nil
	}
	match, err := recurrence.OccursInRange(start, end, info, rangeStart, rangeEnd)
	if err != nil {
		return false, &Error{Type: ErrInvalidInput, Message: "bad recurrence rule", Err: err}
	}
	return match, nil
}

// bounds widens nil sides of the range to fixed horizons so recurrence
// expansion always works on a closed interval.
func (tr *TimeRange) bounds() (time.Time, time.Time) {
	start := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	if tr.Start != nil {
		start = *tr.Start
	}
	if tr.End != nil {
		end = *tr.End
	}
	return start, end
}
