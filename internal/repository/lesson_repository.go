package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

const lessonColumns = "id, teacher_id, student_id, start_time, end_time, status, payment_state, series_id, grandfathered, cancel_reason, version, created_at, updated_at"

// LessonRepository is the booking ledger: the authoritative store of lesson
// instances and the last line of defense for the no-overlap invariant.
type LessonRepository struct {
	db *sqlx.DB
}

// NewLessonRepository constructs a LessonRepository.
func NewLessonRepository(db *sqlx.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

// FindByID fetches a lesson by ID.
func (r *LessonRepository) FindByID(ctx context.Context, id string) (*models.LessonInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM lessons WHERE id = $1", lessonColumns)
	var lesson models.LessonInstance
	if err := r.db.GetContext(ctx, &lesson, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, fmt.Errorf("find lesson: %w", err)
	}
	return &lesson, nil
}

// List returns lessons matching the filter ordered by start time. A positive
// PageSize applies LIMIT/OFFSET paging.
func (r *LessonRepository) List(ctx context.Context, filter models.LessonFilter) ([]models.LessonInstance, error) {
	where, args := lessonFilterClauses(filter)
	query := fmt.Sprintf("SELECT %s FROM lessons WHERE 1=1%s ORDER BY start_time ASC", lessonColumns, where)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
	}

	var lessons []models.LessonInstance
	if err := r.db.SelectContext(ctx, &lessons, query, args...); err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, nil
}

// Count returns how many lessons match the filter, ignoring paging.
func (r *LessonRepository) Count(ctx context.Context, filter models.LessonFilter) (int, error) {
	where, args := lessonFilterClauses(filter)
	query := "SELECT COUNT(*) FROM lessons WHERE 1=1" + where

	var total int
	if err := r.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("count lessons: %w", err)
	}
	return total, nil
}

func lessonFilterClauses(filter models.LessonFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("end_time > $%d", len(args)+1))
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("start_time < $%d", len(args)+1))
		args = append(args, filter.To.UTC())
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conditions, " AND "), args
}

// Snapshot reads the teacher's and student's blocking lessons inside the
// window within one repeatable-read transaction, so the resolver evaluates
// both sides against the same ledger state.
func (r *LessonRepository) Snapshot(ctx context.Context, teacherID, studentID string, window models.TimeInterval) (*models.LedgerSnapshot, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(`SELECT %s FROM lessons WHERE teacher_id = $1 AND status IN ('PENDING', 'CONFIRMED') AND start_time < $2 AND end_time > $3 ORDER BY start_time ASC`, lessonColumns)
	snapshot := &models.LedgerSnapshot{}
	if err := tx.SelectContext(ctx, &snapshot.TeacherLessons, query, teacherID, window.End.UTC(), window.Start.UTC()); err != nil {
		return nil, fmt.Errorf("snapshot teacher lessons: %w", err)
	}

	query = fmt.Sprintf(`SELECT %s FROM lessons WHERE student_id = $1 AND status IN ('PENDING', 'CONFIRMED') AND start_time < $2 AND end_time > $3 ORDER BY start_time ASC`, lessonColumns)
	if err := tx.SelectContext(ctx, &snapshot.StudentLessons, query, studentID, window.End.UTC(), window.Start.UTC()); err != nil {
		return nil, fmt.Errorf("snapshot student lessons: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}
	return snapshot, nil
}

// Insert persists a new lesson after re-checking the teacher-overlap
// invariant under an advisory lock. The lock serialises writers for one
// teacher without blocking the rest of the ledger.
func (r *LessonRepository) Insert(ctx context.Context, lesson *models.LessonInstance) error {
	if lesson.ID == "" {
		lesson.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	lesson.Version = 1
	lesson.CreatedAt = now
	lesson.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := r.guardTeacherOverlap(ctx, tx, lesson.TeacherID, lesson.Interval(), ""); err != nil {
		return err
	}

	const query = `INSERT INTO lessons (id, teacher_id, student_id, start_time, end_time, status, payment_state, series_id, grandfathered, cancel_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := tx.ExecContext(ctx, query,
		lesson.ID, lesson.TeacherID, lesson.StudentID,
		lesson.StartTime.UTC(), lesson.EndTime.UTC(),
		string(lesson.Status), string(lesson.PaymentState), lesson.SeriesID,
		lesson.Grandfathered, lesson.CancelReason, lesson.Version,
		lesson.CreatedAt, lesson.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert lesson: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Transition moves a lesson to a new status using optimistic concurrency.
// A version mismatch surfaces as VERSION_CONFLICT, a missing row as NOT_FOUND.
func (r *LessonRepository) Transition(ctx context.Context, id string, to models.LessonStatus, expectedVersion int, cancelReason *string) (*models.LessonInstance, error) {
	query := fmt.Sprintf(`UPDATE lessons
		SET status = $2, cancel_reason = COALESCE($3, cancel_reason), version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $5
		RETURNING %s`, lessonColumns)

	var lesson models.LessonInstance
	err := r.db.GetContext(ctx, &lesson, query, id, string(to), cancelReason, time.Now().UTC(), expectedVersion)
	if err == nil {
		return &lesson, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition lesson: %w", err)
	}
	return nil, r.staleOrMissing(ctx, id)
}

// UpdateInterval atomically moves a lesson to a new time span, re-checking
// the teacher-overlap invariant (excluding the lesson itself) inside the same
// transaction as the optimistic version check.
func (r *LessonRepository) UpdateInterval(ctx context.Context, id string, teacherID string, newInterval models.TimeInterval, expectedVersion int) (*models.LessonInstance, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reschedule: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := r.guardTeacherOverlap(ctx, tx, teacherID, newInterval, id); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`UPDATE lessons
		SET start_time = $2, end_time = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $5
		RETURNING %s`, lessonColumns)

	var lesson models.LessonInstance
	err = tx.GetContext(ctx, &lesson, query, id, newInterval.Start.UTC(), newInterval.End.UTC(), time.Now().UTC(), expectedVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.staleOrMissing(ctx, id)
		}
		return nil, fmt.Errorf("reschedule lesson: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reschedule: %w", err)
	}
	return &lesson, nil
}

// SetPaymentState applies a payment transition. Terminal lessons are still
// eligible: payment state moves independently of the lifecycle.
func (r *LessonRepository) SetPaymentState(ctx context.Context, id string, state models.PaymentState, expectedVersion int) (*models.LessonInstance, error) {
	query := fmt.Sprintf(`UPDATE lessons
		SET payment_state = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $4
		RETURNING %s`, lessonColumns)

	var lesson models.LessonInstance
	err := r.db.GetContext(ctx, &lesson, query, id, string(state), time.Now().UTC(), expectedVersion)
	if err == nil {
		return &lesson, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("set payment state: %w", err)
	}
	return nil, r.staleOrMissing(ctx, id)
}

// GrandfatherConfirmed marks a teacher's future confirmed lessons as valid
// despite later availability edits. Returns the number of lessons touched.
func (r *LessonRepository) GrandfatherConfirmed(ctx context.Context, teacherID string, from time.Time) (int64, error) {
	const query = `UPDATE lessons
		SET grandfathered = TRUE, updated_at = $3
		WHERE teacher_id = $1 AND status = 'CONFIRMED' AND start_time >= $2 AND NOT grandfathered`
	res, err := r.db.ExecContext(ctx, query, teacherID, from.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("grandfather lessons: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("grandfather lessons: %w", err)
	}
	return affected, nil
}

// guardTeacherOverlap serialises ledger writers for one teacher and rejects
// any write that would overlap a blocking lesson. Callers run it inside their
// own transaction; the advisory lock is released at commit or rollback.
func (r *LessonRepository) guardTeacherOverlap(ctx context.Context, tx *sqlx.Tx, teacherID string, interval models.TimeInterval, excludeID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, teacherID); err != nil {
		return fmt.Errorf("acquire teacher lock: %w", err)
	}

	query := `SELECT id FROM lessons WHERE teacher_id = $1 AND status IN ('PENDING', 'CONFIRMED') AND start_time < $2 AND end_time > $3`
	args := []interface{}{teacherID, interval.End.UTC(), interval.Start.UTC()}
	if excludeID != "" {
		query += " AND id <> $4"
		args = append(args, excludeID)
	}

	var conflicting []string
	if err := tx.SelectContext(ctx, &conflicting, query, args...); err != nil {
		return fmt.Errorf("overlap guard: %w", err)
	}
	if len(conflicting) > 0 {
		return appErrors.WithDetails(appErrors.ErrTeacherConflict, models.Decision{
			Code:                 models.DecisionTeacherConflict,
			ConflictingLessonIDs: conflicting,
		})
	}
	return nil
}

// staleOrMissing distinguishes a version race from a missing lesson.
func (r *LessonRepository) staleOrMissing(ctx context.Context, id string) error {
	var exists int
	err := r.db.GetContext(ctx, &exists, `SELECT 1 FROM lessons WHERE id = $1 LIMIT 1`, id)
	if err == nil {
		return appErrors.ErrVersionConflict
	}
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
	}
	return fmt.Errorf("lesson lookup: %w", err)
}
