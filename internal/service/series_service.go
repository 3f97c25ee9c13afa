package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

type seriesStore interface {
	Create(ctx context.Context, series *models.RecurrenceSeries) error
	FindByID(ctx context.Context, id string) (*models.RecurrenceSeries, error)
	ListExceptions(ctx context.Context, seriesID string) ([]models.SeriesException, error)
	UpsertException(ctx context.Context, ex *models.SeriesException) error
}

type occurrenceBooker interface {
	Request(ctx context.Context, in RequestBookingInput) (*models.LessonInstance, error)
}

// SeriesConfig bounds occurrence expansion.
type SeriesConfig struct {
	// Horizon is how far past now expansion reaches when the request gives
	// no explicit end.
	Horizon time.Duration
	// MaxOccurrences caps any single expansion.
	MaxOccurrences int
}

// SeriesService manages recurrence series: creation, occurrence preview,
// per-date overrides and materialisation into real bookings. Expansion itself
// is pure; this service supplies the stored exceptions and the horizon.
type SeriesService struct {
	store     seriesStore
	booker    occurrenceBooker
	cfg       SeriesConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewSeriesService wires the series service.
func NewSeriesService(store seriesStore, booker occurrenceBooker, cfg SeriesConfig, validate *validator.Validate, logger *zap.Logger) *SeriesService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 365 * 24 * time.Hour
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = 200
	}
	return &SeriesService{
		store:     store,
		booker:    booker,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateSeriesRequest describes a new recurrence series.
type CreateSeriesRequest struct {
	TeacherID       string     `json:"teacher_id" validate:"required"`
	StudentID       string     `json:"student_id" validate:"required"`
	Cadence         string     `json:"cadence" validate:"required,oneof=WEEKLY BIWEEKLY MONTHLY_BY_WEEKDAY"`
	Weekday         int        `json:"weekday" validate:"min=0,max=6"`
	StartMinute     int        `json:"start_minute" validate:"min=0,max=1439"`
	DurationMinutes int        `json:"duration_minutes" validate:"required,min=15,max=480"`
	Timezone        string     `json:"timezone" validate:"required"`
	StartDate       time.Time  `json:"start_date" validate:"required"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	OccurrenceCount *int       `json:"occurrence_count,omitempty"`
}

// Create validates and stores a new series. A series may end by date, by
// occurrence count, or run open-ended within the expansion horizon; giving
// both end conditions is rejected as ambiguous.
func (s *SeriesService) Create(ctx context.Context, req CreateSeriesRequest) (*models.RecurrenceSeries, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid series")
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid timezone")
	}
	if req.EndDate != nil && req.OccurrenceCount != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end_date and occurrence_count are mutually exclusive")
	}
	if req.OccurrenceCount != nil && *req.OccurrenceCount <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "occurrence_count must be positive")
	}
	if req.EndDate != nil && req.EndDate.Before(req.StartDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end_date is before start_date")
	}

	series := &models.RecurrenceSeries{
		TeacherID:       req.TeacherID,
		StudentID:       req.StudentID,
		Cadence:         models.SeriesCadence(req.Cadence),
		Weekday:         req.Weekday,
		StartMinute:     req.StartMinute,
		DurationMinutes: req.DurationMinutes,
		Timezone:        req.Timezone,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		OccurrenceCount: req.OccurrenceCount,
	}
	if err := s.store.Create(ctx, series); err != nil {
		return nil, err
	}

	s.logger.Sugar().Infow("series created",
		"series_id", series.ID, "teacher_id", series.TeacherID, "cadence", series.Cadence)
	return series, nil
}

// Get returns one series.
func (s *SeriesService) Get(ctx context.Context, id string) (*models.RecurrenceSeries, error) {
	return s.store.FindByID(ctx, id)
}

// Occurrences expands a series with its stored exceptions applied, up to
// `until` when given, otherwise up to the configured horizon from now.
func (s *SeriesService) Occurrences(ctx context.Context, seriesID string, until *time.Time) ([]models.Occurrence, error) {
	series, err := s.store.FindByID(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	exceptions, err := s.store.ListExceptions(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	horizon := s.now().Add(s.cfg.Horizon)
	if until != nil && until.Before(horizon) {
		horizon = until.UTC()
	}

	occurrences, err := models.ExpandOccurrences(*series, exceptions, horizon, s.cfg.MaxOccurrences)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	return occurrences, nil
}

// EditOccurrenceRequest overrides a single occurrence of a series.
type EditOccurrenceRequest struct {
	Kind            string     `json:"kind" validate:"required,oneof=SKIPPED RESCHEDULED MODIFIED"`
	OverrideStart   *time.Time `json:"override_start,omitempty"`
	OverrideEnd     *time.Time `json:"override_end,omitempty"`
	OverrideMinutes *int       `json:"override_minutes,omitempty"`
}

// EditOccurrence records an override for one occurrence date. The date must
// be a candidate the base rule actually generates; overrides never invent new
// occurrences.
func (s *SeriesService) EditOccurrence(ctx context.Context, seriesID, date string, req EditOccurrenceRequest) (*models.SeriesException, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid occurrence override")
	}
	kind := models.OverrideKind(req.Kind)
	switch kind {
	case models.OverrideRescheduled:
		if req.OverrideStart == nil || req.OverrideEnd == nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "rescheduled override requires override_start and override_end")
		}
		if !req.OverrideEnd.After(*req.OverrideStart) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "override_end must be after override_start")
		}
	case models.OverrideModified:
		if req.OverrideMinutes == nil || *req.OverrideMinutes <= 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "modified override requires a positive override_minutes")
		}
	}

	series, err := s.store.FindByID(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureRuleDate(*series, date); err != nil {
		return nil, err
	}

	ex := &models.SeriesException{
		SeriesID:        seriesID,
		OccurrenceDate:  date,
		Kind:            kind,
		OverrideStart:   req.OverrideStart,
		OverrideEnd:     req.OverrideEnd,
		OverrideMinutes: req.OverrideMinutes,
	}
	if err := s.store.UpsertException(ctx, ex); err != nil {
		return nil, err
	}

	s.logger.Sugar().Infow("occurrence override recorded",
		"series_id", seriesID, "date", date, "kind", kind)
	return ex, nil
}

// Materialize turns one occurrence into a real PENDING booking through the
// normal workflow, so it is conflict-checked like any one-off lesson.
func (s *SeriesService) Materialize(ctx context.Context, seriesID, date string) (*models.LessonInstance, error) {
	series, err := s.store.FindByID(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	exceptions, err := s.store.ListExceptions(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	horizon := s.now().Add(s.cfg.Horizon)
	occurrences, err := models.ExpandOccurrences(*series, exceptions, horizon, s.cfg.MaxOccurrences)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	var target *models.Occurrence
	for i := range occurrences {
		if occurrences[i].Date == date {
			target = &occurrences[i]
			break
		}
	}
	if target == nil {
		// Skipped dates are absent from the expansion, so they land here too.
		return nil, appErrors.Clone(appErrors.ErrNotFound, "series has no occurrence on that date")
	}

	return s.booker.Request(ctx, RequestBookingInput{
		TeacherID: series.TeacherID,
		StudentID: series.StudentID,
		Start:     target.Interval.Start,
		End:       target.Interval.End,
		SeriesID:  &series.ID,
	})
}

// ensureRuleDate verifies the date is one the base rule generates, ignoring
// existing exceptions so a SKIPPED date can still be re-edited.
func (s *SeriesService) ensureRuleDate(series models.RecurrenceSeries, date string) error {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "date must be YYYY-MM-DD")
	}

	loc, err := time.LoadLocation(series.Timezone)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "invalid series timezone")
	}
	horizon := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc).UTC()

	occurrences, err := models.ExpandOccurrences(series, nil, horizon, s.cfg.MaxOccurrences)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	for _, occ := range occurrences {
		if occ.Date == date {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrNotFound, "date is not an occurrence of this series")
}
