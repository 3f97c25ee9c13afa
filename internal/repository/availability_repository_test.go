package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

func newAvailabilityMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAvailabilityRepositoryCreateRule(t *testing.T) {
	db, mock, cleanup := newAvailabilityMock(t)
	defer cleanup()
	repo := NewAvailabilityRepository(db)

	mock.ExpectExec("INSERT INTO availability_rules").
		WithArgs(sqlmock.AnyArg(), "teacher-1", 1, 540, 720, "America/New_York", sqlmock.AnyArg(), nil, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rule := models.AvailabilityRule{
		TeacherID:     "teacher-1",
		Weekday:       1,
		StartMinute:   540,
		EndMinute:     720,
		Timezone:      "America/New_York",
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.CreateRule(context.Background(), &rule))
	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAvailabilityRepositoryListActiveRules(t *testing.T) {
	db, mock, cleanup := newAvailabilityMock(t)
	defer cleanup()
	repo := NewAvailabilityRepository(db)

	rows := sqlmock.NewRows([]string{"id", "teacher_id", "weekday", "start_minute", "end_minute", "timezone", "effective_from", "effective_until", "active", "created_at", "updated_at"}).
		AddRow("rule-1", "teacher-1", 1, 540, 720, "America/New_York", time.Now(), nil, true, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM availability_rules WHERE teacher_id = $1 AND active ORDER BY weekday ASC, start_minute ASC")).
		WithArgs("teacher-1").
		WillReturnRows(rows)

	rules, err := repo.ListActiveRules(context.Background(), "teacher-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 540, rules[0].StartMinute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAvailabilityRepositoryDeactivateRuleNotFound(t *testing.T) {
	db, mock, cleanup := newAvailabilityMock(t)
	defer cleanup()
	repo := NewAvailabilityRepository(db)

	mock.ExpectExec("UPDATE availability_rules SET active = FALSE").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeactivateRule(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAvailabilityRepositoryListExceptions(t *testing.T) {
	db, mock, cleanup := newAvailabilityMock(t)
	defer cleanup()
	repo := NewAvailabilityRepository(db)

	rows := sqlmock.NewRows([]string{"id", "teacher_id", "date", "start_time", "end_time", "kind", "created_at"}).
		AddRow("ex-1", "teacher-1", "2026-03-02", time.Now(), time.Now().Add(time.Hour), "BLOCK", time.Now())
	mock.ExpectQuery("FROM availability_exceptions WHERE teacher_id").
		WithArgs("teacher-1", "2026-03-01", "2026-03-07").
		WillReturnRows(rows)

	exceptions, err := repo.ListExceptions(context.Background(), "teacher-1", "2026-03-01", "2026-03-07")
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, models.ExceptionBlock, exceptions[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}
