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

const seriesColumns = "id, teacher_id, student_id, cadence, weekday, start_minute, duration_minutes, timezone, start_date, end_date, occurrence_count, created_at, updated_at"
const seriesExceptionColumns = "series_id, occurrence_date, kind, override_start, override_end, override_minutes, created_at"

// SeriesRepository persists recurrence series and their per-date exceptions.
type SeriesRepository struct {
	db *sqlx.DB
}

// NewSeriesRepository constructs a SeriesRepository.
func NewSeriesRepository(db *sqlx.DB) *SeriesRepository {
	return &SeriesRepository{db: db}
}

// Create inserts a new series.
func (r *SeriesRepository) Create(ctx context.Context, series *models.RecurrenceSeries) error {
	if series.ID == "" {
		series.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	series.CreatedAt = now
	series.UpdatedAt = now

	const query = `INSERT INTO recurrence_series (id, teacher_id, student_id, cadence, weekday, start_minute, duration_minutes, timezone, start_date, end_date, occurrence_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := r.db.ExecContext(ctx, query,
		series.ID, series.TeacherID, series.StudentID, string(series.Cadence),
		series.Weekday, series.StartMinute, series.DurationMinutes, series.Timezone,
		series.StartDate, series.EndDate, series.OccurrenceCount,
		series.CreatedAt, series.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create series: %w", err)
	}
	return nil
}

// FindByID fetches a series by ID.
func (r *SeriesRepository) FindByID(ctx context.Context, id string) (*models.RecurrenceSeries, error) {
	query := fmt.Sprintf("SELECT %s FROM recurrence_series WHERE id = $1", seriesColumns)
	var series models.RecurrenceSeries
	if err := r.db.GetContext(ctx, &series, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "series not found")
		}
		return nil, fmt.Errorf("find series: %w", err)
	}
	return &series, nil
}

// ListExceptions returns every exception of a series ordered by date.
func (r *SeriesRepository) ListExceptions(ctx context.Context, seriesID string) ([]models.SeriesException, error) {
	query := fmt.Sprintf("SELECT %s FROM series_exceptions WHERE series_id = $1 ORDER BY occurrence_date ASC", seriesExceptionColumns)
	var exceptions []models.SeriesException
	if err := r.db.SelectContext(ctx, &exceptions, query, seriesID); err != nil {
		return nil, fmt.Errorf("list series exceptions: %w", err)
	}
	return exceptions, nil
}

// UpsertException records or replaces the override for one occurrence date.
// The exception wins over the base rule for that date.
func (r *SeriesRepository) UpsertException(ctx context.Context, ex *models.SeriesException) error {
	ex.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO series_exceptions (series_id, occurrence_date, kind, override_start, override_end, override_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (series_id, occurrence_date)
		DO UPDATE SET kind = EXCLUDED.kind, override_start = EXCLUDED.override_start, override_end = EXCLUDED.override_end, override_minutes = EXCLUDED.override_minutes`
	if _, err := r.db.ExecContext(ctx, query,
		ex.SeriesID, ex.OccurrenceDate, string(ex.Kind),
		ex.OverrideStart, ex.OverrideEnd, ex.OverrideMinutes, ex.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert series exception: %w", err)
	}
	return nil
}
