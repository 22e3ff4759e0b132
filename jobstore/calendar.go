package jobstore

import (
	"encoding/json"
	"time"

	"github.com/teranos/tempo/errors"
)

// Calendar is a named exclusion schedule. Triggers referencing a calendar
// skip fire times the calendar excludes.
type Calendar struct {
	Description string `json:"description,omitempty"`

	// ExcludedDates lists whole excluded days in "2006-01-02" form.
	ExcludedDates []string `json:"excluded_dates,omitempty"`

	// ExcludedWeekdays lists recurring excluded days of the week.
	ExcludedWeekdays []time.Weekday `json:"excluded_weekdays,omitempty"`

	// ExcludedRanges lists absolute excluded time windows.
	ExcludedRanges []TimeRange `json:"excluded_ranges,omitempty"`
}

// TimeRange is a half-open window [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the window.
func (r TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}

// IsTimeIncluded reports whether the calendar allows firing at ts.
func (c *Calendar) IsTimeIncluded(ts time.Time) bool {
	day := ts.Format("2006-01-02")
	for _, excluded := range c.ExcludedDates {
		if day == excluded {
			return false
		}
	}
	for _, weekday := range c.ExcludedWeekdays {
		if ts.Weekday() == weekday {
			return false
		}
	}
	for _, window := range c.ExcludedRanges {
		if window.Contains(ts) {
			return false
		}
	}
	return true
}

// Validate rejects calendars with malformed excluded dates.
func (c *Calendar) Validate() error {
	for _, day := range c.ExcludedDates {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return errors.NewClientError("invalid excluded date %q", day)
		}
	}
	for _, window := range c.ExcludedRanges {
		if !window.End.After(window.Start) {
			return errors.NewClientError("excluded range end must be after start")
		}
	}
	return nil
}

// MarshalCalendar serializes a calendar for storage.
func MarshalCalendar(cal *Calendar) ([]byte, error) {
	raw, err := json.Marshal(cal)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal calendar")
	}
	return raw, nil
}

// UnmarshalCalendar deserializes a stored calendar.
func UnmarshalCalendar(raw []byte) (*Calendar, error) {
	var cal Calendar
	if err := json.Unmarshal(raw, &cal); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal calendar")
	}
	return &cal, nil
}
