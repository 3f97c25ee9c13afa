package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

const ruleColumns = "id, teacher_id, weekday, start_minute, end_minute, timezone, effective_from, effective_until, active, created_at, updated_at"
const exceptionColumns = "id, teacher_id, date, start_time, end_time, kind, created_at"

// AvailabilityRepository persists recurring rules and one-off exceptions.
type AvailabilityRepository struct {
	db *sqlx.DB
}

// NewAvailabilityRepository constructs an AvailabilityRepository.
func NewAvailabilityRepository(db *sqlx.DB) *AvailabilityRepository {
	return &AvailabilityRepository{db: db}
}

// CreateRule inserts a recurring availability rule.
func (r *AvailabilityRepository) CreateRule(ctx context.Context, rule *models.AvailabilityRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Active = true

	const query = `INSERT INTO availability_rules (id, teacher_id, weekday, start_minute, end_minute, timezone, effective_from, effective_until, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.TeacherID, rule.Weekday, rule.StartMinute, rule.EndMinute,
		rule.Timezone, rule.EffectiveFrom, rule.EffectiveUntil, rule.Active,
		rule.CreatedAt, rule.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create availability rule: %w", err)
	}
	return nil
}

// FindRule fetches one rule by ID.
func (r *AvailabilityRepository) FindRule(ctx context.Context, id string) (*models.AvailabilityRule, error) {
	query := fmt.Sprintf("SELECT %s FROM availability_rules WHERE id = $1", ruleColumns)
	var rule models.AvailabilityRule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "availability rule not found")
		}
		return nil, fmt.Errorf("find availability rule: %w", err)
	}
	return &rule, nil
}

// ListActiveRules returns a teacher's active rules ordered by weekday and
// start time.
func (r *AvailabilityRepository) ListActiveRules(ctx context.Context, teacherID string) ([]models.AvailabilityRule, error) {
	query := fmt.Sprintf("SELECT %s FROM availability_rules WHERE teacher_id = $1 AND active ORDER BY weekday ASC, start_minute ASC", ruleColumns)
	var rules []models.AvailabilityRule
	if err := r.db.SelectContext(ctx, &rules, query, teacherID); err != nil {
		return nil, fmt.Errorf("list availability rules: %w", err)
	}
	return rules, nil
}

// DeactivateRule soft-deletes a rule. Confirmed bookings under the rule stay
// valid; the caller grandfathers them in the ledger.
func (r *AvailabilityRepository) DeactivateRule(ctx context.Context, id string) error {
	const query = `UPDATE availability_rules SET active = FALSE, updated_at = $2 WHERE id = $1 AND active`
	res, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate availability rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate availability rule: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "availability rule not found")
	}
	return nil
}

// CreateException inserts a one-off ADD or BLOCK exception.
func (r *AvailabilityRepository) CreateException(ctx context.Context, ex *models.AvailabilityException) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	ex.CreatedAt = time.Now().UTC()

	const query = `INSERT INTO availability_exceptions (id, teacher_id, date, start_time, end_time, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query,
		ex.ID, ex.TeacherID, ex.Date, ex.StartTime.UTC(), ex.EndTime.UTC(), string(ex.Kind), ex.CreatedAt,
	); err != nil {
		return fmt.Errorf("create availability exception: %w", err)
	}
	return nil
}

// ListExceptions returns a teacher's exceptions for the inclusive local-date
// range, ordered by date then start time.
func (r *AvailabilityRepository) ListExceptions(ctx context.Context, teacherID, fromDate, toDate string) ([]models.AvailabilityException, error) {
	query := fmt.Sprintf("SELECT %s FROM availability_exceptions WHERE teacher_id = $1 AND date >= $2 AND date <= $3 ORDER BY date ASC, start_time ASC", exceptionColumns)
	var exceptions []models.AvailabilityException
	if err := r.db.SelectContext(ctx, &exceptions, query, teacherID, fromDate, toDate); err != nil {
		return nil, fmt.Errorf("list availability exceptions: %w", err)
	}
	return exceptions, nil
}
