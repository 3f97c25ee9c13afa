package models

import (
	"errors"
	"time"
)

// SeriesCadence is the repetition rule of a recurrence series.
type SeriesCadence string

const (
	CadenceWeekly           SeriesCadence = "WEEKLY"
	CadenceBiweekly         SeriesCadence = "BIWEEKLY"
	CadenceMonthlyByWeekday SeriesCadence = "MONTHLY_BY_WEEKDAY"
)

// OverrideKind marks a per-occurrence deviation from the series rule.
type OverrideKind string

const (
	OverrideSkipped     OverrideKind = "SKIPPED"
	OverrideRescheduled OverrideKind = "RESCHEDULED"
	OverrideModified    OverrideKind = "MODIFIED"
)

// RecurrenceSeries defines a repeating lesson. It owns its generated
// occurrences only conceptually; materialised lessons live in the ledger and
// point back via SeriesID.
type RecurrenceSeries struct {
	ID              string        `db:"id" json:"id"`
	TeacherID       string        `db:"teacher_id" json:"teacher_id"`
	StudentID       string        `db:"student_id" json:"student_id"`
	Cadence         SeriesCadence `db:"cadence" json:"cadence"`
	Weekday         int           `db:"weekday" json:"weekday"`
	StartMinute     int           `db:"start_minute" json:"start_minute"`
	DurationMinutes int           `db:"duration_minutes" json:"duration_minutes"`
	Timezone        string        `db:"timezone" json:"timezone"`
	StartDate       time.Time     `db:"start_date" json:"start_date"`
	EndDate         *time.Time    `db:"end_date" json:"end_date,omitempty"`
	OccurrenceCount *int          `db:"occurrence_count" json:"occurrence_count,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// SeriesException overrides the base rule for one occurrence date. The
// exception always wins over the rule for its date.
type SeriesException struct {
	SeriesID        string       `db:"series_id" json:"series_id"`
	OccurrenceDate  string       `db:"occurrence_date" json:"occurrence_date"` // YYYY-MM-DD in series timezone
	Kind            OverrideKind `db:"kind" json:"kind"`
	OverrideStart   *time.Time   `db:"override_start" json:"override_start,omitempty"`
	OverrideEnd     *time.Time   `db:"override_end" json:"override_end,omitempty"`
	OverrideMinutes *int         `db:"override_minutes" json:"override_minutes,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// Occurrence is one concrete candidate generated from a series. It is not a
// booking; materialisation routes it through the normal workflow so every
// occurrence is conflict-checked on its own.
type Occurrence struct {
	SeriesID string        `json:"series_id"`
	Date     string        `json:"date"` // rule-computed local date, stable across reschedules
	Interval TimeInterval  `json:"interval"`
	Override *OverrideKind `json:"override,omitempty"`
}

const occurrenceDateLayout = "2006-01-02"

// OccurrenceDateKey formats a local day as the exception-map key.
func OccurrenceDateKey(t time.Time) string {
	return t.Format(occurrenceDateLayout)
}

// ExpandOccurrences generates the series' occurrences in order, up to the
// horizon instant, the series' own end condition and maxCount, whichever
// comes first.
//
// Occurrence accounting: a SKIPPED or MODIFIED occurrence still consumes one
// slot of OccurrenceCount; skipping never extends a series. A month that
// lacks the nth weekday (for monthly cadence) yields no candidate at all and
// consumes nothing.
func ExpandOccurrences(series RecurrenceSeries, exceptions []SeriesException, horizon time.Time, maxCount int) ([]Occurrence, error) {
	if series.DurationMinutes <= 0 {
		return nil, errors.New("series duration must be positive")
	}
	if series.Weekday < 0 || series.Weekday > 6 {
		return nil, errors.New("invalid series weekday")
	}
	switch series.Cadence {
	case CadenceWeekly, CadenceBiweekly, CadenceMonthlyByWeekday:
	default:
		return nil, errors.New("unsupported series cadence")
	}

	loc, err := time.LoadLocation(series.Timezone)
	if err != nil {
		return nil, errors.New("invalid series timezone")
	}
	if maxCount <= 0 {
		maxCount = 1
	}

	exByDate := make(map[string]SeriesException, len(exceptions))
	for _, ex := range exceptions {
		exByDate[ex.OccurrenceDate] = ex
	}

	duration := time.Duration(series.DurationMinutes) * time.Minute
	horizon = horizon.UTC()

	day := firstOccurrenceDay(series, loc)
	nth := nthWeekdayOfMonth(day)

	out := make([]Occurrence, 0, 16)
	generated := 0
	for {
		if series.OccurrenceCount != nil && generated >= *series.OccurrenceCount {
			break
		}
		if generated >= maxCount {
			break
		}
		if series.EndDate != nil && day.After(endOfDay(*series.EndDate, loc)) {
			break
		}

		// Wall-clock reconstruction keeps the local start time across DST.
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, series.StartMinute, 0, 0, loc)
		if start.UTC().After(horizon) {
			break
		}
		generated++

		key := OccurrenceDateKey(day)
		interval := TimeInterval{Start: start.UTC(), End: start.Add(duration).UTC()}

		if ex, ok := exByDate[key]; ok {
			switch ex.Kind {
			case OverrideSkipped:
				day = nextOccurrenceDay(series, day, nth, loc)
				continue
			case OverrideRescheduled:
				if ex.OverrideStart != nil && ex.OverrideEnd != nil {
					interval = TimeInterval{Start: ex.OverrideStart.UTC(), End: ex.OverrideEnd.UTC()}
				}
			case OverrideModified:
				if ex.OverrideMinutes != nil && *ex.OverrideMinutes > 0 {
					interval.End = interval.Start.Add(time.Duration(*ex.OverrideMinutes) * time.Minute)
				}
			}
			kind := ex.Kind
			out = append(out, Occurrence{SeriesID: series.ID, Date: key, Interval: interval, Override: &kind})
		} else {
			out = append(out, Occurrence{SeriesID: series.ID, Date: key, Interval: interval})
		}

		day = nextOccurrenceDay(series, day, nth, loc)
	}

	return out, nil
}

// firstOccurrenceDay finds the first local day on or after StartDate that
// matches the series weekday.
func firstOccurrenceDay(series RecurrenceSeries, loc *time.Location) time.Time {
	anchor := series.StartDate.In(loc)
	day := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)
	for int(day.Weekday()) != series.Weekday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func nextOccurrenceDay(series RecurrenceSeries, day time.Time, nth int, loc *time.Location) time.Time {
	switch series.Cadence {
	case CadenceBiweekly:
		return day.AddDate(0, 0, 14)
	case CadenceMonthlyByWeekday:
		month := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, loc)
		for {
			month = month.AddDate(0, 1, 0)
			if next, ok := nthWeekdayInMonth(month, time.Weekday(series.Weekday), nth); ok {
				return next
			}
		}
	default:
		return day.AddDate(0, 0, 7)
	}
}

// nthWeekdayOfMonth returns which occurrence of its weekday within the month
// the day is (1-based), anchoring the monthly cadence.
func nthWeekdayOfMonth(day time.Time) int {
	return (day.Day()-1)/7 + 1
}

// nthWeekdayInMonth finds the nth given weekday in the month of monthStart.
// ok is false when the month has no nth such weekday.
func nthWeekdayInMonth(monthStart time.Time, weekday time.Weekday, nth int) (time.Time, bool) {
	day := monthStart
	for day.Weekday() != weekday {
		day = day.AddDate(0, 0, 1)
	}
	day = day.AddDate(0, 0, (nth-1)*7)
	if day.Month() != monthStart.Month() {
		return time.Time{}, false
	}
	return day, true
}

func endOfDay(date time.Time, loc *time.Location) time.Time {
	local := date.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
}
