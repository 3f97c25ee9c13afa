package repository

import (
	"context"
	"errors"
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

func newLedgerMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func lessonRows(lessons ...models.LessonInstance) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "teacher_id", "student_id", "start_time", "end_time", "status", "payment_state", "series_id", "grandfathered", "cancel_reason", "version", "created_at", "updated_at"})
	for _, l := range lessons {
		rows.AddRow(l.ID, l.TeacherID, l.StudentID, l.StartTime, l.EndTime, string(l.Status), string(l.PaymentState), l.SeriesID, l.Grandfathered, l.CancelReason, l.Version, l.CreatedAt, l.UpdatedAt)
	}
	return rows
}

func sampleLesson() models.LessonInstance {
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	return models.LessonInstance{
		ID:           "lesson-1",
		TeacherID:    "teacher-1",
		StudentID:    "student-1",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Status:       models.LessonPending,
		PaymentState: models.PaymentUnpaid,
		Version:      1,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
}

func TestLessonRepositoryListFiltersAndOrders(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	mock.ExpectQuery(regexp.QuoteMeta("FROM lessons WHERE 1=1 AND teacher_id = $1 AND end_time > $2 AND start_time < $3 AND status IN ($4, $5) ORDER BY start_time ASC")).
		WithArgs("teacher-1", from, to, "PENDING", "CONFIRMED").
		WillReturnRows(lessonRows(sampleLesson()))

	lessons, err := repo.List(context.Background(), models.LessonFilter{
		TeacherID: "teacher-1",
		From:      from,
		To:        to,
		Statuses:  models.BlockingStatuses,
	})
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, "lesson-1", lessons[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryListAppliesPaging(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM lessons WHERE 1=1 AND teacher_id = $1 ORDER BY start_time ASC LIMIT $2 OFFSET $3")).
		WithArgs("teacher-1", 20, 40).
		WillReturnRows(lessonRows(sampleLesson()))

	lessons, err := repo.List(context.Background(), models.LessonFilter{
		TeacherID: "teacher-1",
		Page:      3,
		PageSize:  20,
	})
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryCountIgnoresPaging(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM lessons WHERE 1=1 AND teacher_id = $1")).
		WithArgs("teacher-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))

	total, err := repo.Count(context.Background(), models.LessonFilter{
		TeacherID: "teacher-1",
		Page:      3,
		PageSize:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, 41, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryInsertGuardsOverlap(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	lesson := sampleLesson()
	lesson.ID = ""

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("teacher-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM lessons WHERE teacher_id").
		WithArgs("teacher-1", lesson.EndTime, lesson.StartTime).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO lessons").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Insert(context.Background(), &lesson))
	assert.NotEmpty(t, lesson.ID)
	assert.Equal(t, 1, lesson.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryInsertRejectsOverlap(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	lesson := sampleLesson()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM lessons WHERE teacher_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("other-lesson"))
	mock.ExpectRollback()

	err := repo.Insert(context.Background(), &lesson)
	require.Error(t, err)

	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrTeacherConflict.Code, appErr.Code)
	decision, ok := appErr.Details.(models.Decision)
	require.True(t, ok)
	assert.Equal(t, []string{"other-lesson"}, decision.ConflictingLessonIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryTransitionBumpsVersion(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	updated := sampleLesson()
	updated.Status = models.LessonConfirmed
	updated.Version = 2

	mock.ExpectQuery("UPDATE lessons").
		WithArgs("lesson-1", "CONFIRMED", nil, sqlmock.AnyArg(), 1).
		WillReturnRows(lessonRows(updated))

	lesson, err := repo.Transition(context.Background(), "lesson-1", models.LessonConfirmed, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, models.LessonConfirmed, lesson.Status)
	assert.Equal(t, 2, lesson.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryTransitionVersionConflict(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectQuery("UPDATE lessons").
		WillReturnRows(lessonRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM lessons WHERE id = $1 LIMIT 1")).
		WithArgs("lesson-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	_, err := repo.Transition(context.Background(), "lesson-1", models.LessonConfirmed, 7, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrVersionConflict) || appErrors.FromError(err).Code == appErrors.ErrVersionConflict.Code)
	assert.True(t, appErrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryTransitionNotFound(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectQuery("UPDATE lessons").
		WillReturnRows(lessonRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM lessons WHERE id = $1 LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	_, err := repo.Transition(context.Background(), "missing", models.LessonCancelled, 1, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositorySnapshotSingleTransaction(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	window := models.TimeInterval{
		Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM lessons WHERE teacher_id").
		WithArgs("teacher-1", window.End, window.Start).
		WillReturnRows(lessonRows(sampleLesson()))
	mock.ExpectQuery("FROM lessons WHERE student_id").
		WithArgs("student-2", window.End, window.Start).
		WillReturnRows(lessonRows())
	mock.ExpectCommit()

	snapshot, err := repo.Snapshot(context.Background(), "teacher-1", "student-2", window)
	require.NoError(t, err)
	assert.Len(t, snapshot.TeacherLessons, 1)
	assert.Empty(t, snapshot.StudentLessons)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryGrandfatherConfirmed(t *testing.T) {
	db, mock, cleanup := newLedgerMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectExec("UPDATE lessons").
		WithArgs("teacher-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := repo.GrandfatherConfirmed(context.Background(), "teacher-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}
