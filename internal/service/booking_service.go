package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

type bookingLedger interface {
	FindByID(ctx context.Context, id string) (*models.LessonInstance, error)
	List(ctx context.Context, filter models.LessonFilter) ([]models.LessonInstance, error)
	Count(ctx context.Context, filter models.LessonFilter) (int, error)
	Insert(ctx context.Context, lesson *models.LessonInstance) error
	Transition(ctx context.Context, id string, to models.LessonStatus, expectedVersion int, cancelReason *string) (*models.LessonInstance, error)
	UpdateInterval(ctx context.Context, id string, teacherID string, newInterval models.TimeInterval, expectedVersion int) (*models.LessonInstance, error)
	SetPaymentState(ctx context.Context, id string, state models.PaymentState, expectedVersion int) (*models.LessonInstance, error)
}

type decisionEvaluator interface {
	Evaluate(ctx context.Context, proposal BookingProposal) (models.Decision, error)
}

type eventPublisher interface {
	Publish(event models.DomainEvent) error
}

// BookingConfig tunes workflow validation.
type BookingConfig struct {
	// PastGrace allows lessons starting slightly in the past, for clock skew.
	PastGrace time.Duration
	// MaxDuration caps a single lesson length.
	MaxDuration time.Duration
}

// BookingService is the booking workflow state machine. It orchestrates
// request, confirm, cancel, reschedule and completion against the resolver
// and the ledger, and emits domain events for the payment and notification
// collaborators. Version races are retried once before surfacing as
// retryable.
type BookingService struct {
	ledger    bookingLedger
	resolver  decisionEvaluator
	events    eventPublisher
	metrics   *MetricsService
	cfg       BookingConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewBookingService wires the booking workflow. metrics may be nil.
func NewBookingService(ledger bookingLedger, resolver decisionEvaluator, events eventPublisher, metrics *MetricsService, cfg BookingConfig, validate *validator.Validate, logger *zap.Logger) *BookingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PastGrace <= 0 {
		cfg.PastGrace = 5 * time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 8 * time.Hour
	}
	return &BookingService{
		ledger:    ledger,
		resolver:  resolver,
		events:    events,
		metrics:   metrics,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequestBookingInput describes a new booking request.
type RequestBookingInput struct {
	TeacherID string    `json:"teacher_id" validate:"required"`
	StudentID string    `json:"student_id" validate:"required"`
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required"`
	SeriesID  *string   `json:"series_id,omitempty"`
}

// Request evaluates a proposal and, when clear, inserts a PENDING lesson and
// emits BookingRequested. A conflict leaves the ledger untouched and returns
// the decision to the caller; picking another slot is the caller's move.
func (s *BookingService) Request(ctx context.Context, in RequestBookingInput) (*models.LessonInstance, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid booking request")
	}
	interval, err := s.validateInterval(in.Start, in.End)
	if err != nil {
		return nil, err
	}

	proposal := BookingProposal{TeacherID: in.TeacherID, StudentID: in.StudentID, Interval: interval}

	var lesson *models.LessonInstance
	err = s.withOneRetry(ctx, func() error {
		decision, err := s.resolver.Evaluate(ctx, proposal)
		if err != nil {
			return err
		}
		s.metrics.CountDecision(decision.Code)
		if !decision.OK() {
			return decisionError(decision)
		}

		candidate := &models.LessonInstance{
			TeacherID:    in.TeacherID,
			StudentID:    in.StudentID,
			StartTime:    interval.Start,
			EndTime:      interval.End,
			Status:       models.LessonPending,
			PaymentState: models.PaymentUnpaid,
			SeriesID:     in.SeriesID,
		}
		// The ledger re-checks overlap under its own lock; a lesson committed
		// in between surfaces as a conflict decision, not a retry.
		if err := s.ledger.Insert(ctx, candidate); err != nil {
			return err
		}
		lesson = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(models.EventBookingRequested, lesson, nil, "")
	return lesson, nil
}

// Confirm flips a PENDING lesson to CONFIRMED. The resolver runs again first:
// availability or competing bookings may have moved since the request.
func (s *BookingService) Confirm(ctx context.Context, id string) (*models.LessonInstance, error) {
	var confirmed *models.LessonInstance
	err := s.withOneRetry(ctx, func() error {
		lesson, err := s.ledger.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if lesson.Status != models.LessonPending {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "only pending lessons can be confirmed")
		}

		decision, err := s.resolver.Evaluate(ctx, BookingProposal{
			TeacherID:       lesson.TeacherID,
			StudentID:       lesson.StudentID,
			Interval:        lesson.Interval(),
			ExcludeLessonID: lesson.ID,
		})
		if err != nil {
			return err
		}
		s.metrics.CountDecision(decision.Code)
		if !decision.OK() {
			return decisionError(decision)
		}

		confirmed, err = s.ledger.Transition(ctx, id, models.LessonConfirmed, lesson.Version, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(models.EventBookingConfirmed, confirmed, nil, "")
	return confirmed, nil
}

// Cancel moves a lesson to CANCELLED. Cancellation is idempotent: a lesson
// already in a terminal state is returned as-is with no error, since the
// intent is commutative.
func (s *BookingService) Cancel(ctx context.Context, id, reason string) (*models.LessonInstance, error) {
	var cancelled *models.LessonInstance
	alreadyTerminal := false

	err := s.withOneRetry(ctx, func() error {
		lesson, err := s.ledger.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if lesson.Terminal() {
			cancelled = lesson
			alreadyTerminal = true
			return nil
		}

		cancelled, err = s.ledger.Transition(ctx, id, models.LessonCancelled, lesson.Version, &reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !alreadyTerminal {
		s.emit(models.EventBookingCancelled, cancelled, nil, reason)
	}
	return cancelled, nil
}

// Reschedule moves a lesson to a new interval as one conflict-checked
// sub-transaction: the old slot is held until the new one is proven clear,
// and on any failure the original interval is untouched.
func (s *BookingService) Reschedule(ctx context.Context, id string, newStart, newEnd time.Time) (*models.LessonInstance, error) {
	newInterval, err := s.validateInterval(newStart, newEnd)
	if err != nil {
		return nil, err
	}

	var rescheduled *models.LessonInstance
	var oldInterval models.TimeInterval

	err = s.withOneRetry(ctx, func() error {
		lesson, err := s.ledger.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if !lesson.Blocking() {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "only pending or confirmed lessons can be rescheduled")
		}
		oldInterval = lesson.Interval()

		decision, err := s.resolver.Evaluate(ctx, BookingProposal{
			TeacherID:       lesson.TeacherID,
			StudentID:       lesson.StudentID,
			Interval:        newInterval,
			ExcludeLessonID: lesson.ID,
		})
		if err != nil {
			return err
		}
		s.metrics.CountDecision(decision.Code)
		if !decision.OK() {
			return decisionError(decision)
		}

		rescheduled, err = s.ledger.UpdateInterval(ctx, id, lesson.TeacherID, newInterval, lesson.Version)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(models.EventBookingRescheduled, rescheduled, &oldInterval, "")
	return rescheduled, nil
}

// MarkCompleted records that a confirmed lesson took place. Allowed only
// after the lesson's end has passed.
func (s *BookingService) MarkCompleted(ctx context.Context, id string) (*models.LessonInstance, error) {
	return s.finish(ctx, id, models.LessonCompleted, models.EventBookingCompleted)
}

// MarkNoShow records that the student did not attend. Same timing rule as
// MarkCompleted.
func (s *BookingService) MarkNoShow(ctx context.Context, id string) (*models.LessonInstance, error) {
	return s.finish(ctx, id, models.LessonNoShow, models.EventBookingNoShow)
}

func (s *BookingService) finish(ctx context.Context, id string, to models.LessonStatus, eventType models.EventType) (*models.LessonInstance, error) {
	var finished *models.LessonInstance
	err := s.withOneRetry(ctx, func() error {
		lesson, err := s.ledger.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(lesson.Status, to) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "lesson is not confirmed")
		}
		if s.now().Before(lesson.EndTime) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "lesson has not ended yet")
		}

		finished, err = s.ledger.Transition(ctx, id, to, lesson.Version, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(eventType, finished, nil, "")
	return finished, nil
}

// ApplyPaymentState records a payment collaborator transition. Lifecycle
// status is untouched; terminal lessons remain eligible (e.g. refunds after
// cancellation).
func (s *BookingService) ApplyPaymentState(ctx context.Context, id string, state models.PaymentState) (*models.LessonInstance, error) {
	var updated *models.LessonInstance
	err := s.withOneRetry(ctx, func() error {
		lesson, err := s.ledger.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if !models.CanTransitionPayment(lesson.PaymentState, state) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "payment state does not allow this transition")
		}
		updated, err = s.ledger.SetPaymentState(ctx, id, state, lesson.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns one lesson.
func (s *BookingService) Get(ctx context.Context, id string) (*models.LessonInstance, error) {
	return s.ledger.FindByID(ctx, id)
}

// List returns lessons for a teacher or student, with paging metadata when a
// positive page size is set.
func (s *BookingService) List(ctx context.Context, filter models.LessonFilter) ([]models.LessonInstance, *models.Pagination, error) {
	if filter.TeacherID == "" && filter.StudentID == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "teacher_id or student_id is required")
	}

	lessons, err := s.ledger.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	if filter.PageSize <= 0 {
		return lessons, nil, nil
	}

	total, err := s.ledger.Count(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pagination := &models.Pagination{
		Page:       page,
		PageSize:   filter.PageSize,
		TotalItems: total,
		TotalPages: (total + filter.PageSize - 1) / filter.PageSize,
	}
	return lessons, pagination, nil
}

func (s *BookingService) validateInterval(start, end time.Time) (models.TimeInterval, error) {
	interval, err := models.NewTimeInterval(start, end)
	if err != nil {
		return models.TimeInterval{}, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if interval.Start.Before(s.now().Add(-s.cfg.PastGrace)) {
		return models.TimeInterval{}, appErrors.Clone(appErrors.ErrValidation, "lesson start is in the past")
	}
	if interval.Duration() > s.cfg.MaxDuration {
		return models.TimeInterval{}, appErrors.Clone(appErrors.ErrValidation, "lesson duration exceeds the maximum")
	}
	return interval, nil
}

// withOneRetry runs op and retries exactly once on transient contention.
// Bounded deliberately: unbounded retry under contention is a live-lock.
func (s *BookingService) withOneRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !appErrors.IsRetryable(err) {
		return err
	}
	s.logger.Sugar().Debugw("retrying after contention", "error", err)
	if retryErr := op(); retryErr == nil || !appErrors.IsRetryable(retryErr) {
		return retryErr
	}
	return appErrors.ErrBusy
}

func (s *BookingService) emit(eventType models.EventType, lesson *models.LessonInstance, oldInterval *models.TimeInterval, reason string) {
	if s.events == nil || lesson == nil {
		return
	}
	event := models.DomainEvent{
		Type:         eventType,
		LessonID:     lesson.ID,
		TeacherID:    lesson.TeacherID,
		StudentID:    lesson.StudentID,
		Interval:     lesson.Interval(),
		OldInterval:  oldInterval,
		Reason:       reason,
		PaymentState: lesson.PaymentState,
		OccurredAt:   s.now(),
	}
	if err := s.events.Publish(event); err != nil {
		s.logger.Sugar().Warnw("failed to publish domain event",
			"type", eventType, "lesson_id", lesson.ID, "error", err)
	}
}
