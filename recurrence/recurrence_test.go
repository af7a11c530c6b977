package recurrence

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOccursInRange(t *testing.T) {
	// Base event: daily meeting from 9-10 AM starting Jan 1, 2024.
	masterStart := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	masterEnd := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		info       Info
		rangeStart time.Time
		rangeEnd   time.Time
		expected   bool
	}{
		{
			name:       "non-recurring event in range",
			info:       Info{},
			rangeStart: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			expected:   true,
		},
		{
			name:       "non-recurring event out of range",
			info:       Info{},
			rangeStart: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			expected:   false,
		},
		{
			name:       "daily rule with occurrence in range",
			info:       Info{RRule: "FREQ=DAILY;COUNT=7"},
			rangeStart: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
			expected:   true,
		},
		{
			name:       "daily rule exhausted before range",
			info:       Info{RRule: "FREQ=DAILY;COUNT=3"},
			rangeStart: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
			expected:   false,
		},
		{
			name: "occurrence excluded by EXDATE",
			info: Info{
				RRule:   "FREQ=DAILY;COUNT=7",
				ExDates: []time.Time{time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)},
			},
			rangeStart: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 1, 3, 23, 0, 0, 0, time.UTC),
			expected:   false,
		},
		{
			name: "date-only EXDATE excludes the whole day",
			info: Info{
				RRule:   "FREQ=DAILY;COUNT=7",
				ExDates: []time.Time{time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
			},
			rangeStart: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 1, 3, 23, 0, 0, 0, time.UTC),
			expected:   false,
		},
		{
			name: "RDATE hit outside the rule",
			info: Info{
				RDates: []time.Time{time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)},
			},
			rangeStart: time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC),
			rangeEnd:   time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
			expected:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := OccursInRange(masterStart, masterEnd, tt.info, tt.rangeStart, tt.rangeEnd)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestOccursInRangeBadRule(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	_, err := OccursInRange(start, start.Add(time.Hour),
		Info{RRule: "FREQ=BOGUS"},
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestEventSpan(t *testing.T) {
	t.Run("DTEND", func(t *testing.T) {
		event := ical.NewComponent(ical.CompEvent)
		event.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
		event.Props.SetDateTime(ical.PropDateTimeEnd, time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC))

		start, end, ok := EventSpan(event)
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), end)
	})

	t.Run("DURATION", func(t *testing.T) {
		event := ical.NewComponent(ical.CompEvent)
		event.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
		event.Props.SetText(ical.PropDuration, "PT45M")

		start, end, ok := EventSpan(event)
		require.True(t, ok)
		assert.Equal(t, 45*time.Minute, end.Sub(start))
	})

	t.Run("all-day default", func(t *testing.T) {
		event := ical.NewComponent(ical.CompEvent)
		event.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

		start, end, ok := EventSpan(event)
		require.True(t, ok)
		assert.Equal(t, start.AddDate(0, 0, 1), end)
	})

	t.Run("no DTSTART", func(t *testing.T) {
		event := ical.NewComponent(ical.CompEvent)
		_, _, ok := EventSpan(event)
		assert.False(t, ok)
	})
}

func TestFromComponent(t *testing.T) {
	event := ical.NewComponent(ical.CompEvent)
	// RRULE is a structured value: set it raw, SetText would escape the
	// semicolons.
	rrule := ical.NewProp(ical.PropRecurrenceRule)
	rrule.Value = "FREQ=WEEKLY;BYDAY=MO"
	event.Props.Set(rrule)
	exdate := ical.NewProp(ical.PropExceptionDates)
	exdate.Value = "20240108T090000Z,20240115T090000Z"
	event.Props.Set(exdate)

	info := FromComponent(event)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", info.RRule)
	assert.Len(t, info.ExDates, 2)
	assert.True(t, info.Recurring())
}
