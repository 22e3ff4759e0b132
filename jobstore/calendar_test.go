package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
)

func TestCalendarIsTimeIncluded(t *testing.T) {
	cal := &Calendar{
		ExcludedDates:    []string{"2025-12-25"},
		ExcludedWeekdays: []time.Weekday{time.Sunday},
		ExcludedRanges: []TimeRange{
			{
				Start: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC),
			},
		},
	}

	tests := []struct {
		name     string
		ts       time.Time
		included bool
	}{
		{"ordinary weekday", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), true},
		{"excluded date", time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC), false},
		{"excluded weekday", time.Date(2025, 6, 8, 10, 0, 0, 0, time.UTC), false},
		{"inside excluded range", time.Date(2025, 7, 3, 10, 0, 0, 0, time.UTC), false},
		{"range start is excluded", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), false},
		{"range end is included", time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.included, cal.IsTimeIncluded(tt.ts))
		})
	}
}

func TestCalendarValidate(t *testing.T) {
	valid := &Calendar{ExcludedDates: []string{"2025-12-25"}}
	assert.NoError(t, valid.Validate())

	badDate := &Calendar{ExcludedDates: []string{"december 25th"}}
	err := badDate.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))

	badRange := &Calendar{ExcludedRanges: []TimeRange{
		{Start: time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
	}}
	err = badRange.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))
}

func TestCalendarMarshalRoundTrip(t *testing.T) {
	cal := &Calendar{
		Description:      "holidays",
		ExcludedDates:    []string{"2025-12-25", "2026-01-01"},
		ExcludedWeekdays: []time.Weekday{time.Saturday},
	}

	raw, err := MarshalCalendar(cal)
	require.NoError(t, err)

	loaded, err := UnmarshalCalendar(raw)
	require.NoError(t, err)
	assert.Equal(t, cal, loaded)
}
