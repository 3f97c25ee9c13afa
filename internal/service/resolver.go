package service

import (
	"context"
	"time"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

type availabilityReader interface {
	EffectiveIntervals(ctx context.Context, teacherID string, from, to time.Time) ([]models.TimeInterval, error)
}

type ledgerSnapshotter interface {
	Snapshot(ctx context.Context, teacherID, studentID string, window models.TimeInterval) (*models.LedgerSnapshot, error)
}

// BookingProposal is the input to a conflict evaluation.
type BookingProposal struct {
	TeacherID string
	StudentID string
	Interval  models.TimeInterval
	// ExcludeLessonID removes one lesson from consideration, used when
	// rescheduling a lesson in place.
	ExcludeLessonID string
}

// ConflictResolver decides whether a proposed booking may proceed. It is
// deterministic and side-effect free so callers can use it for previews; all
// state comes from the availability reader and a single ledger snapshot.
type ConflictResolver struct {
	availability availabilityReader
	ledger       ledgerSnapshotter
}

// NewConflictResolver wires the resolver's read dependencies.
func NewConflictResolver(availability availabilityReader, ledger ledgerSnapshotter) *ConflictResolver {
	return &ConflictResolver{availability: availability, ledger: ledger}
}

// Evaluate checks availability containment first, then teacher and student
// overlaps from one consistent ledger snapshot. When both sides conflict the
// teacher conflict is reported: it is the more actionable signal.
func (r *ConflictResolver) Evaluate(ctx context.Context, proposal BookingProposal) (models.Decision, error) {
	// Availability is computed over the whole surrounding day so windows that
	// extend past the proposal are not clipped into false gaps.
	dayStart := proposal.Interval.Start.UTC().Truncate(24 * time.Hour)
	dayEnd := proposal.Interval.End.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	available, err := r.availability.EffectiveIntervals(ctx, proposal.TeacherID, dayStart, dayEnd)
	if err != nil {
		return models.Decision{}, err
	}

	if gaps := models.CoverageGaps(proposal.Interval, available); len(gaps) > 0 {
		return models.Decision{Code: models.DecisionOutsideAvailability, Gaps: gaps}, nil
	}

	snapshot, err := r.ledger.Snapshot(ctx, proposal.TeacherID, proposal.StudentID, proposal.Interval)
	if err != nil {
		return models.Decision{}, err
	}

	if ids := overlappingIDs(snapshot.TeacherLessons, proposal.Interval, proposal.ExcludeLessonID); len(ids) > 0 {
		return models.Decision{Code: models.DecisionTeacherConflict, ConflictingLessonIDs: ids}, nil
	}
	if ids := overlappingIDs(snapshot.StudentLessons, proposal.Interval, proposal.ExcludeLessonID); len(ids) > 0 {
		return models.Decision{Code: models.DecisionStudentConflict, ConflictingLessonIDs: ids}, nil
	}

	return models.Decision{Code: models.DecisionOK}, nil
}

func overlappingIDs(lessons []models.LessonInstance, interval models.TimeInterval, excludeID string) []string {
	var ids []string
	for _, lesson := range lessons {
		if lesson.ID == excludeID {
			continue
		}
		if !lesson.Blocking() {
			continue
		}
		if lesson.Interval().Overlaps(interval) {
			ids = append(ids, lesson.ID)
		}
	}
	return ids
}

// decisionError converts a non-OK decision into its typed API error, with
// the decision attached for the response envelope.
func decisionError(decision models.Decision) *appErrors.Error {
	switch decision.Code {
	case models.DecisionOutsideAvailability:
		return appErrors.WithDetails(appErrors.ErrOutsideAvailability, decision)
	case models.DecisionTeacherConflict:
		return appErrors.WithDetails(appErrors.ErrTeacherConflict, decision)
	case models.DecisionStudentConflict:
		return appErrors.WithDetails(appErrors.ErrStudentConflict, decision)
	default:
		return nil
	}
}
