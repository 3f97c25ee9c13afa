package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// TimeInterval is a half-open [Start, End) span between two absolute instants.
// Values are normalised to UTC on construction; timezone handling happens when
// rules are expanded, never inside interval arithmetic.
type TimeInterval struct {
	Start time.Time `db:"start_time" json:"start_time"`
	End   time.Time `db:"end_time" json:"end_time"`
}

// NewTimeInterval validates and builds an interval. Zero-length and inverted
// spans are rejected.
func NewTimeInterval(start, end time.Time) (TimeInterval, error) {
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return TimeInterval{}, errors.New("interval start must be before end")
	}
	return TimeInterval{Start: start, End: end}, nil
}

// Duration returns the interval length.
func (i TimeInterval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// IsZero reports whether the interval is unset.
func (i TimeInterval) IsZero() bool {
	return i.Start.IsZero() && i.End.IsZero()
}

// Overlaps reports whether two intervals share any instant. Touching
// endpoints do not overlap.
func (i TimeInterval) Overlaps(other TimeInterval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Contains reports whether other lies fully inside i.
func (i TimeInterval) Contains(other TimeInterval) bool {
	return !other.Start.Before(i.Start) && !other.End.After(i.End)
}

// ContainsInstant reports whether t falls inside the half-open span.
func (i TimeInterval) ContainsInstant(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Subtract removes other from i, yielding zero, one or two fragments.
func (i TimeInterval) Subtract(other TimeInterval) []TimeInterval {
	if !i.Overlaps(other) {
		return []TimeInterval{i}
	}
	var out []TimeInterval
	if i.Start.Before(other.Start) {
		out = append(out, TimeInterval{Start: i.Start, End: other.Start})
	}
	if other.End.Before(i.End) {
		out = append(out, TimeInterval{Start: other.End, End: i.End})
	}
	return out
}

// ClampToDay restricts the interval to the local calendar day containing day
// in loc. The second return is false when nothing remains.
func (i TimeInterval) ClampToDay(day time.Time, loc *time.Location) (TimeInterval, bool) {
	local := day.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	start := i.Start
	if start.Before(dayStart) {
		start = dayStart.UTC()
	}
	end := i.End
	if end.After(dayEnd) {
		end = dayEnd.UTC()
	}
	if !start.Before(end) {
		return TimeInterval{}, false
	}
	return TimeInterval{Start: start.UTC(), End: end.UTC()}, true
}

// In re-expresses the endpoints in loc without moving the absolute instants.
func (i TimeInterval) In(loc *time.Location) TimeInterval {
	return TimeInterval{Start: i.Start.In(loc), End: i.End.In(loc)}
}

func (i TimeInterval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// MergeIntervals sorts and merges overlapping or adjacent intervals into a
// normalised disjoint ordered set. The input is not modified.
func MergeIntervals(intervals []TimeInterval) []TimeInterval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]TimeInterval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Start.Before(sorted[b].Start) })

	out := make([]TimeInterval, 0, len(sorted))
	current := sorted[0]
	for _, next := range sorted[1:] {
		if !next.Start.After(current.End) {
			if next.End.After(current.End) {
				current.End = next.End
			}
			continue
		}
		out = append(out, current)
		current = next
	}
	return append(out, current)
}

// SubtractAll removes every interval in subtrahends from each interval in
// base. Both inputs may be unsorted; the result is disjoint and ordered.
func SubtractAll(base, subtrahends []TimeInterval) []TimeInterval {
	remaining := MergeIntervals(base)
	for _, sub := range subtrahends {
		var next []TimeInterval
		for _, iv := range remaining {
			next = append(next, iv.Subtract(sub)...)
		}
		remaining = next
	}
	return remaining
}

// CoverageGaps returns the parts of target not covered by the given disjoint
// ordered set. An empty result means target is fully covered.
func CoverageGaps(target TimeInterval, covered []TimeInterval) []TimeInterval {
	return SubtractAll([]TimeInterval{target}, covered)
}
