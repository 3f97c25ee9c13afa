package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

type fakeSeriesStore struct {
	series     map[string]models.RecurrenceSeries
	exceptions map[string][]models.SeriesException
	upserts    []models.SeriesException
}

func newFakeSeriesStore() *fakeSeriesStore {
	return &fakeSeriesStore{
		series:     make(map[string]models.RecurrenceSeries),
		exceptions: make(map[string][]models.SeriesException),
	}
}

func (f *fakeSeriesStore) Create(_ context.Context, series *models.RecurrenceSeries) error {
	if series.ID == "" {
		series.ID = "series-1"
	}
	f.series[series.ID] = *series
	return nil
}

func (f *fakeSeriesStore) FindByID(_ context.Context, id string) (*models.RecurrenceSeries, error) {
	series, ok := f.series[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "series not found")
	}
	return &series, nil
}

func (f *fakeSeriesStore) ListExceptions(_ context.Context, seriesID string) ([]models.SeriesException, error) {
	return f.exceptions[seriesID], nil
}

func (f *fakeSeriesStore) UpsertException(_ context.Context, ex *models.SeriesException) error {
	f.upserts = append(f.upserts, *ex)
	f.exceptions[ex.SeriesID] = append(f.exceptions[ex.SeriesID], *ex)
	return nil
}

type fakeBooker struct {
	requests []RequestBookingInput
}

func (f *fakeBooker) Request(_ context.Context, in RequestBookingInput) (*models.LessonInstance, error) {
	f.requests = append(f.requests, in)
	return &models.LessonInstance{
		ID: "lesson-from-series", TeacherID: in.TeacherID, StudentID: in.StudentID,
		StartTime: in.Start, EndTime: in.End,
		Status: models.LessonPending, SeriesID: in.SeriesID,
	}, nil
}

func intPtr(v int) *int { return &v }

// Weekly Tuesday 15:00 New York, first occurrence 2026-01-06.
func tuesdaySeries(count *int) models.RecurrenceSeries {
	return models.RecurrenceSeries{
		ID: "series-1", TeacherID: "t1", StudentID: "s1",
		Cadence: models.CadenceWeekly, Weekday: 2,
		StartMinute: 15 * 60, DurationMinutes: 60,
		Timezone:        "America/New_York",
		StartDate:       time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC),
		OccurrenceCount: count,
	}
}

func newSeriesFixture(store *fakeSeriesStore, booker *fakeBooker) *SeriesService {
	svc := NewSeriesService(store, booker, SeriesConfig{}, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestSeriesCreateValidation(t *testing.T) {
	svc := newSeriesFixture(newFakeSeriesStore(), &fakeBooker{})
	base := CreateSeriesRequest{
		TeacherID: "t1", StudentID: "s1",
		Cadence: "WEEKLY", Weekday: 2, StartMinute: 900, DurationMinutes: 60,
		Timezone:  "America/New_York",
		StartDate: time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC),
	}

	bad := base
	bad.Cadence = "DAILY"
	_, err := svc.Create(context.Background(), bad)
	require.Error(t, err, "unsupported cadence")

	bad = base
	bad.Timezone = "Mars/Olympus"
	_, err = svc.Create(context.Background(), bad)
	require.Error(t, err, "unknown timezone")

	bad = base
	end := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	bad.EndDate = &end
	bad.OccurrenceCount = intPtr(10)
	_, err = svc.Create(context.Background(), bad)
	require.Error(t, err, "both end conditions given")

	created, err := svc.Create(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, models.CadenceWeekly, created.Cadence)
}

func TestOccurrencesSkipConsumesSlot(t *testing.T) {
	store := newFakeSeriesStore()
	store.series["series-1"] = tuesdaySeries(intPtr(10))
	store.exceptions["series-1"] = []models.SeriesException{
		{SeriesID: "series-1", OccurrenceDate: "2026-01-20", Kind: models.OverrideSkipped},
	}
	svc := newSeriesFixture(store, &fakeBooker{})

	occurrences, err := svc.Occurrences(context.Background(), "series-1", nil)
	require.NoError(t, err)

	// Ten slots generated, one skipped; skipping does not extend the series.
	require.Len(t, occurrences, 9)
	for _, occ := range occurrences {
		assert.NotEqual(t, "2026-01-20", occ.Date)
	}
	assert.Equal(t, "2026-01-06", occurrences[0].Date)
	assert.Equal(t, "2026-03-10", occurrences[len(occurrences)-1].Date)
}

func TestOccurrencesKeepLocalTimeAcrossDST(t *testing.T) {
	store := newFakeSeriesStore()
	series := tuesdaySeries(intPtr(2))
	series.StartDate = time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	store.series["series-1"] = series
	svc := newSeriesFixture(store, &fakeBooker{})

	occurrences, err := svc.Occurrences(context.Background(), "series-1", nil)
	require.NoError(t, err)
	require.Len(t, occurrences, 2)

	// 15:00 New York is 20:00Z before the spring transition, 19:00Z after.
	assert.Equal(t, time.Date(2026, time.March, 3, 20, 0, 0, 0, time.UTC), occurrences[0].Interval.Start)
	assert.Equal(t, time.Date(2026, time.March, 10, 19, 0, 0, 0, time.UTC), occurrences[1].Interval.Start)
}

func TestEditOccurrenceRejectsNonRuleDate(t *testing.T) {
	store := newFakeSeriesStore()
	store.series["series-1"] = tuesdaySeries(intPtr(10))
	svc := newSeriesFixture(store, &fakeBooker{})

	_, err := svc.EditOccurrence(context.Background(), "series-1", "2026-01-07", EditOccurrenceRequest{Kind: "SKIPPED"})
	require.Error(t, err, "a Wednesday is not generated by a Tuesday rule")
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	ex, err := svc.EditOccurrence(context.Background(), "series-1", "2026-01-20", EditOccurrenceRequest{Kind: "SKIPPED"})
	require.NoError(t, err)
	assert.Equal(t, models.OverrideSkipped, ex.Kind)
	require.Len(t, store.upserts, 1)
}

func TestEditOccurrenceValidatesOverridePayload(t *testing.T) {
	store := newFakeSeriesStore()
	store.series["series-1"] = tuesdaySeries(intPtr(10))
	svc := newSeriesFixture(store, &fakeBooker{})

	_, err := svc.EditOccurrence(context.Background(), "series-1", "2026-01-13", EditOccurrenceRequest{Kind: "RESCHEDULED"})
	require.Error(t, err, "rescheduled needs explicit times")

	_, err = svc.EditOccurrence(context.Background(), "series-1", "2026-01-13", EditOccurrenceRequest{Kind: "MODIFIED"})
	require.Error(t, err, "modified needs a duration")

	start := time.Date(2026, time.January, 13, 21, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	ex, err := svc.EditOccurrence(context.Background(), "series-1", "2026-01-13", EditOccurrenceRequest{
		Kind: "RESCHEDULED", OverrideStart: &start, OverrideEnd: &end,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OverrideRescheduled, ex.Kind)
}

func TestMaterializeRoutesThroughWorkflow(t *testing.T) {
	store := newFakeSeriesStore()
	store.series["series-1"] = tuesdaySeries(intPtr(10))
	booker := &fakeBooker{}
	svc := newSeriesFixture(store, booker)

	lesson, err := svc.Materialize(context.Background(), "series-1", "2026-01-06")
	require.NoError(t, err)

	require.Len(t, booker.requests, 1)
	request := booker.requests[0]
	require.NotNil(t, request.SeriesID)
	assert.Equal(t, "series-1", *request.SeriesID)
	assert.Equal(t, time.Date(2026, time.January, 6, 20, 0, 0, 0, time.UTC), request.Start, "15:00 EST is 20:00 UTC")
	require.NotNil(t, lesson.SeriesID)
}

func TestMaterializeSkippedDateFails(t *testing.T) {
	store := newFakeSeriesStore()
	store.series["series-1"] = tuesdaySeries(intPtr(10))
	store.exceptions["series-1"] = []models.SeriesException{
		{SeriesID: "series-1", OccurrenceDate: "2026-01-13", Kind: models.OverrideSkipped},
	}
	booker := &fakeBooker{}
	svc := newSeriesFixture(store, booker)

	_, err := svc.Materialize(context.Background(), "series-1", "2026-01-13")
	require.Error(t, err)
	assert.Empty(t, booker.requests)
}
