package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clefhq/lesson-engine/internal/models"
)

type fakeAvailability struct {
	intervals []models.TimeInterval
}

func (f *fakeAvailability) EffectiveIntervals(_ context.Context, _ string, _, _ time.Time) ([]models.TimeInterval, error) {
	return f.intervals, nil
}

type fakeSnapshotter struct {
	snapshot models.LedgerSnapshot
	calls    int
}

func (f *fakeSnapshotter) Snapshot(_ context.Context, _, _ string, _ models.TimeInterval) (*models.LedgerSnapshot, error) {
	f.calls++
	snap := f.snapshot
	return &snap, nil
}

func utc(hour, min int) time.Time {
	return time.Date(2026, time.September, 7, hour, min, 0, 0, time.UTC)
}

func lessonAt(id string, start, end time.Time, status models.LessonStatus) models.LessonInstance {
	return models.LessonInstance{ID: id, StartTime: start, EndTime: end, Status: status}
}

func TestResolverAllowsContainedProposal(t *testing.T) {
	availability := &fakeAvailability{intervals: []models.TimeInterval{{Start: utc(9, 0), End: utc(17, 0)}}}
	ledger := &fakeSnapshotter{}
	resolver := NewConflictResolver(availability, ledger)

	decision, err := resolver.Evaluate(context.Background(), BookingProposal{
		TeacherID: "t1", StudentID: "s1",
		Interval: models.TimeInterval{Start: utc(10, 0), End: utc(11, 0)},
	})
	require.NoError(t, err)
	assert.True(t, decision.OK())
	assert.Equal(t, 1, ledger.calls, "one ledger snapshot per evaluation")
}

func TestResolverReportsAvailabilityGaps(t *testing.T) {
	availability := &fakeAvailability{intervals: []models.TimeInterval{
		{Start: utc(9, 0), End: utc(10, 0)},
		{Start: utc(10, 30), End: utc(12, 0)},
	}}
	resolver := NewConflictResolver(availability, &fakeSnapshotter{})

	decision, err := resolver.Evaluate(context.Background(), BookingProposal{
		TeacherID: "t1", StudentID: "s1",
		Interval: models.TimeInterval{Start: utc(9, 30), End: utc(11, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionOutsideAvailability, decision.Code)
	require.Len(t, decision.Gaps, 1)
	assert.Equal(t, utc(10, 0), decision.Gaps[0].Start)
	assert.Equal(t, utc(10, 30), decision.Gaps[0].End)
}

func TestResolverTeacherConflictWinsOverStudent(t *testing.T) {
	availability := &fakeAvailability{intervals: []models.TimeInterval{{Start: utc(8, 0), End: utc(18, 0)}}}
	ledger := &fakeSnapshotter{snapshot: models.LedgerSnapshot{
		TeacherLessons: []models.LessonInstance{lessonAt("teacher-side", utc(9, 0), utc(10, 0), models.LessonConfirmed)},
		StudentLessons: []models.LessonInstance{lessonAt("student-side", utc(9, 0), utc(10, 0), models.LessonPending)},
	}}
	resolver := NewConflictResolver(availability, ledger)

	decision, err := resolver.Evaluate(context.Background(), BookingProposal{
		TeacherID: "t1", StudentID: "s1",
		Interval: models.TimeInterval{Start: utc(9, 30), End: utc(10, 30)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionTeacherConflict, decision.Code)
	assert.Equal(t, []string{"teacher-side"}, decision.ConflictingLessonIDs)
}

func TestResolverIgnoresNonBlockingAndExcluded(t *testing.T) {
	availability := &fakeAvailability{intervals: []models.TimeInterval{{Start: utc(8, 0), End: utc(18, 0)}}}
	ledger := &fakeSnapshotter{snapshot: models.LedgerSnapshot{
		TeacherLessons: []models.LessonInstance{
			lessonAt("cancelled", utc(9, 0), utc(10, 0), models.LessonCancelled),
			lessonAt("self", utc(9, 0), utc(10, 0), models.LessonConfirmed),
		},
	}}
	resolver := NewConflictResolver(availability, ledger)

	decision, err := resolver.Evaluate(context.Background(), BookingProposal{
		TeacherID: "t1", StudentID: "s1",
		Interval:        models.TimeInterval{Start: utc(9, 0), End: utc(10, 0)},
		ExcludeLessonID: "self",
	})
	require.NoError(t, err)
	assert.True(t, decision.OK(), "cancelled lessons and the excluded lesson do not block")
}

func TestResolverTouchingEndpointsDoNotConflict(t *testing.T) {
	availability := &fakeAvailability{intervals: []models.TimeInterval{{Start: utc(8, 0), End: utc(18, 0)}}}
	ledger := &fakeSnapshotter{snapshot: models.LedgerSnapshot{
		TeacherLessons: []models.LessonInstance{lessonAt("before", utc(9, 0), utc(10, 0), models.LessonConfirmed)},
	}}
	resolver := NewConflictResolver(availability, ledger)

	decision, err := resolver.Evaluate(context.Background(), BookingProposal{
		TeacherID: "t1", StudentID: "s1",
		Interval: models.TimeInterval{Start: utc(10, 0), End: utc(11, 0)},
	})
	require.NoError(t, err)
	assert.True(t, decision.OK(), "back to back lessons share an endpoint without overlapping")
}

func TestResolverIsDeterministic(t *testing.T) {
	availability := &fakeAvailability{intervals: []models.TimeInterval{{Start: utc(8, 0), End: utc(18, 0)}}}
	ledger := &fakeSnapshotter{snapshot: models.LedgerSnapshot{
		TeacherLessons: []models.LessonInstance{lessonAt("l1", utc(9, 0), utc(10, 0), models.LessonPending)},
	}}
	resolver := NewConflictResolver(availability, ledger)

	proposal := BookingProposal{
		TeacherID: "t1", StudentID: "s1",
		Interval: models.TimeInterval{Start: utc(9, 30), End: utc(10, 30)},
	}
	first, err := resolver.Evaluate(context.Background(), proposal)
	require.NoError(t, err)
	second, err := resolver.Evaluate(context.Background(), proposal)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
