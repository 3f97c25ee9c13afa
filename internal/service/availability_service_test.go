package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

type fakeAvailStore struct {
	rules       []models.AvailabilityRule
	exceptions  []models.AvailabilityException
	deactivated []string
}

func (f *fakeAvailStore) CreateRule(_ context.Context, rule *models.AvailabilityRule) error {
	rule.ID = "rule-new"
	rule.Active = true
	f.rules = append(f.rules, *rule)
	return nil
}

func (f *fakeAvailStore) FindRule(_ context.Context, id string) (*models.AvailabilityRule, error) {
	for _, rule := range f.rules {
		if rule.ID == id {
			copied := rule
			return &copied, nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "availability rule not found")
}

func (f *fakeAvailStore) ListActiveRules(_ context.Context, teacherID string) ([]models.AvailabilityRule, error) {
	var out []models.AvailabilityRule
	for _, rule := range f.rules {
		if rule.TeacherID == teacherID && rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (f *fakeAvailStore) DeactivateRule(_ context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeAvailStore) CreateException(_ context.Context, ex *models.AvailabilityException) error {
	ex.ID = "ex-new"
	f.exceptions = append(f.exceptions, *ex)
	return nil
}

func (f *fakeAvailStore) ListExceptions(_ context.Context, teacherID, _, _ string) ([]models.AvailabilityException, error) {
	var out []models.AvailabilityException
	for _, ex := range f.exceptions {
		if ex.TeacherID == teacherID {
			out = append(out, ex)
		}
	}
	return out, nil
}

type fakeGrandfather struct {
	calls int
	count int64
}

func (f *fakeGrandfather) GrandfatherConfirmed(_ context.Context, _ string, _ time.Time) (int64, error) {
	f.calls++
	return f.count, nil
}

// Monday 2026-09-07, 09:00-17:00 in America/New_York (EDT, UTC-4).
func mondayRule(teacherID string) models.AvailabilityRule {
	return models.AvailabilityRule{
		ID:            "rule-1",
		TeacherID:     teacherID,
		Weekday:       1,
		StartMinute:   9 * 60,
		EndMinute:     17 * 60,
		Timezone:      "America/New_York",
		EffectiveFrom: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
}

func newAvailabilityFixture(store *fakeAvailStore, ledger *fakeGrandfather) *AvailabilityService {
	return NewAvailabilityService(store, ledger, nil, 0, nil, nil, nil)
}

// fakeCache backs the availability cache with a plain map.
type fakeCache struct {
	values map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) Incr(_ context.Context, key string) *redis.IntCmd {
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func TestEffectiveIntervalsExpandsRuleInTeacherZone(t *testing.T) {
	store := &fakeAvailStore{rules: []models.AvailabilityRule{mondayRule("t1")}}
	svc := newAvailabilityFixture(store, &fakeGrandfather{})

	windowStart := time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)
	intervals, err := svc.EffectiveIntervals(context.Background(), "t1", windowStart, windowStart.AddDate(0, 0, 1))
	require.NoError(t, err)

	require.Len(t, intervals, 1)
	assert.Equal(t, utc(13, 0), intervals[0].Start, "09:00 EDT is 13:00 UTC")
	assert.Equal(t, utc(21, 0), intervals[0].End)
}

func TestEffectiveIntervalsAppliesExceptions(t *testing.T) {
	store := &fakeAvailStore{
		rules: []models.AvailabilityRule{mondayRule("t1")},
		exceptions: []models.AvailabilityException{
			{TeacherID: "t1", Date: "2026-09-07", StartTime: utc(15, 0), EndTime: utc(16, 0), Kind: models.ExceptionBlock},
			{TeacherID: "t1", Date: "2026-09-07", StartTime: utc(21, 0), EndTime: utc(22, 0), Kind: models.ExceptionAdd},
		},
	}
	svc := newAvailabilityFixture(store, &fakeGrandfather{})

	windowStart := time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)
	intervals, err := svc.EffectiveIntervals(context.Background(), "t1", windowStart, windowStart.AddDate(0, 0, 1))
	require.NoError(t, err)

	// Block splits the day; the adjacent ADD merges with the tail.
	require.Len(t, intervals, 2)
	assert.Equal(t, models.TimeInterval{Start: utc(13, 0), End: utc(15, 0)}, intervals[0])
	assert.Equal(t, models.TimeInterval{Start: utc(16, 0), End: utc(22, 0)}, intervals[1])
}

func TestEffectiveIntervalsClampsToWindow(t *testing.T) {
	store := &fakeAvailStore{rules: []models.AvailabilityRule{mondayRule("t1")}}
	svc := newAvailabilityFixture(store, &fakeGrandfather{})

	intervals, err := svc.EffectiveIntervals(context.Background(), "t1", utc(14, 0), utc(15, 0))
	require.NoError(t, err)

	require.Len(t, intervals, 1)
	assert.Equal(t, utc(14, 0), intervals[0].Start)
	assert.Equal(t, utc(15, 0), intervals[0].End)
}

func TestEffectiveIntervalsKeepWallClockAcrossDST(t *testing.T) {
	rule := mondayRule("t1")
	rule.StartMinute = 15 * 60
	rule.EndMinute = 16 * 60
	store := &fakeAvailStore{rules: []models.AvailabilityRule{rule}}
	svc := newAvailabilityFixture(store, &fakeGrandfather{})

	// Two Mondays straddling the 2026-03-08 spring-forward transition.
	from := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	intervals, err := svc.EffectiveIntervals(context.Background(), "t1", from, to)
	require.NoError(t, err)

	require.Len(t, intervals, 2)
	assert.Equal(t, time.Date(2026, time.March, 2, 20, 0, 0, 0, time.UTC), intervals[0].Start, "15:00 EST is 20:00 UTC")
	assert.Equal(t, time.Date(2026, time.March, 9, 19, 0, 0, 0, time.UTC), intervals[1].Start, "15:00 EDT is 19:00 UTC")
	assert.Equal(t, time.Hour, intervals[0].End.Sub(intervals[0].Start))
	assert.Equal(t, time.Hour, intervals[1].End.Sub(intervals[1].Start))
}

func TestEffectiveIntervalsCacheRoundTrip(t *testing.T) {
	store := &fakeAvailStore{rules: []models.AvailabilityRule{mondayRule("t1")}}
	metrics := NewMetricsService()
	svc := NewAvailabilityService(store, &fakeGrandfather{}, newFakeCache(), time.Minute, metrics, nil, nil)

	windowStart := time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)
	first, err := svc.EffectiveIntervals(context.Background(), "t1", windowStart, windowStart.AddDate(0, 0, 1))
	require.NoError(t, err)

	second, err := svc.EffectiveIntervals(context.Background(), "t1", windowStart, windowStart.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 0.5, metrics.CacheHitRatio(), "one miss, one hit")

	// An edit bumps the epoch; the next read misses the stale entry.
	_, err = svc.CreateException(context.Background(), "t1", CreateExceptionRequest{
		Date: "2026-09-07", StartTime: utc(15, 0), EndTime: utc(16, 0), Kind: models.ExceptionBlock,
	})
	require.NoError(t, err)

	third, err := svc.EffectiveIntervals(context.Background(), "t1", windowStart, windowStart.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, third, 2, "block applies after invalidation")
	assert.Equal(t, 1.0/3.0, metrics.CacheHitRatio())
}

func TestEffectiveIntervalsEmptyWhenNoRules(t *testing.T) {
	svc := newAvailabilityFixture(&fakeAvailStore{}, &fakeGrandfather{})
	intervals, err := svc.EffectiveIntervals(context.Background(), "t1", utc(9, 0), utc(17, 0))
	require.NoError(t, err)
	assert.Empty(t, intervals)
}

func TestCreateRuleValidation(t *testing.T) {
	svc := newAvailabilityFixture(&fakeAvailStore{}, &fakeGrandfather{})

	_, err := svc.CreateRule(context.Background(), "t1", CreateRuleRequest{
		Weekday: 1, StartMinute: 600, EndMinute: 540,
		Timezone: "America/New_York", EffectiveFrom: utc(0, 0),
	})
	require.Error(t, err, "start after end")

	_, err = svc.CreateRule(context.Background(), "t1", CreateRuleRequest{
		Weekday: 1, StartMinute: 540, EndMinute: 600,
		Timezone: "Mars/Olympus", EffectiveFrom: utc(0, 0),
	})
	require.Error(t, err, "unknown timezone")

	rule, err := svc.CreateRule(context.Background(), "t1", CreateRuleRequest{
		Weekday: 1, StartMinute: 540, EndMinute: 600,
		Timezone: "America/New_York", EffectiveFrom: utc(0, 0),
	})
	require.NoError(t, err)
	assert.True(t, rule.Active)
	assert.Equal(t, "t1", rule.TeacherID)
}

func TestDeleteRuleGrandfathersConfirmedLessons(t *testing.T) {
	store := &fakeAvailStore{rules: []models.AvailabilityRule{mondayRule("t1")}}
	ledger := &fakeGrandfather{count: 3}
	svc := newAvailabilityFixture(store, ledger)

	require.NoError(t, svc.DeleteRule(context.Background(), "t1", "rule-1"))
	assert.Equal(t, []string{"rule-1"}, store.deactivated)
	assert.Equal(t, 1, ledger.calls)
}

func TestDeleteRuleChecksOwnership(t *testing.T) {
	store := &fakeAvailStore{rules: []models.AvailabilityRule{mondayRule("t1")}}
	ledger := &fakeGrandfather{}
	svc := newAvailabilityFixture(store, ledger)

	err := svc.DeleteRule(context.Background(), "t2", "rule-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	assert.Empty(t, store.deactivated)
	assert.Zero(t, ledger.calls)
}
