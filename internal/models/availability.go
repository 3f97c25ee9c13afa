package models

import (
	"fmt"
	"time"
)

// AvailabilityRule is a weekly recurring availability window for a teacher,
// expressed as wall-clock minutes in the teacher's timezone so the window
// keeps its local time across DST transitions.
type AvailabilityRule struct {
	ID             string     `db:"id" json:"id"`
	TeacherID      string     `db:"teacher_id" json:"teacher_id"`
	Weekday        int        `db:"weekday" json:"weekday"` // time.Weekday numbering, Sunday = 0
	StartMinute    int        `db:"start_minute" json:"start_minute"`
	EndMinute      int        `db:"end_minute" json:"end_minute"`
	Timezone       string     `db:"timezone" json:"timezone"`
	EffectiveFrom  time.Time  `db:"effective_from" json:"effective_from"`
	EffectiveUntil *time.Time `db:"effective_until" json:"effective_until,omitempty"`
	Active         bool       `db:"active" json:"active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// AppliesOn reports whether the rule is in force on the given local day.
func (r AvailabilityRule) AppliesOn(localDay time.Time) bool {
	if !r.Active {
		return false
	}
	if int(localDay.Weekday()) != r.Weekday {
		return false
	}
	day := time.Date(localDay.Year(), localDay.Month(), localDay.Day(), 0, 0, 0, 0, time.UTC)
	from := time.Date(r.EffectiveFrom.Year(), r.EffectiveFrom.Month(), r.EffectiveFrom.Day(), 0, 0, 0, 0, time.UTC)
	if day.Before(from) {
		return false
	}
	if r.EffectiveUntil != nil {
		until := time.Date(r.EffectiveUntil.Year(), r.EffectiveUntil.Month(), r.EffectiveUntil.Day(), 0, 0, 0, 0, time.UTC)
		if day.After(until) {
			return false
		}
	}
	return true
}

// IntervalOn materialises the rule on a local day into absolute instants.
// The wall clock is reconstructed through the timezone database, so a 15:00
// rule stays at 15:00 local across DST boundaries.
func (r AvailabilityRule) IntervalOn(localDay time.Time, loc *time.Location) (TimeInterval, error) {
	start := time.Date(localDay.Year(), localDay.Month(), localDay.Day(), 0, r.StartMinute, 0, 0, loc)
	end := time.Date(localDay.Year(), localDay.Month(), localDay.Day(), 0, r.EndMinute, 0, 0, loc)
	iv, err := NewTimeInterval(start, end)
	if err != nil {
		return TimeInterval{}, fmt.Errorf("rule %s on %s: %w", r.ID, localDay.Format("2006-01-02"), err)
	}
	return iv, nil
}

// ExceptionKind distinguishes one-off availability edits.
type ExceptionKind string

const (
	ExceptionAdd   ExceptionKind = "ADD"
	ExceptionBlock ExceptionKind = "BLOCK"
)

// AvailabilityException adds or removes availability for a single day,
// expressed as absolute instants.
type AvailabilityException struct {
	ID        string        `db:"id" json:"id"`
	TeacherID string        `db:"teacher_id" json:"teacher_id"`
	Date      string        `db:"date" json:"date"` // local calendar day, YYYY-MM-DD
	StartTime time.Time     `db:"start_time" json:"start_time"`
	EndTime   time.Time     `db:"end_time" json:"end_time"`
	Kind      ExceptionKind `db:"kind" json:"kind"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// Interval returns the exception's span.
func (e AvailabilityException) Interval() TimeInterval {
	return TimeInterval{Start: e.StartTime.UTC(), End: e.EndTime.UTC()}
}
