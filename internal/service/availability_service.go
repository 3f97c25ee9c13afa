package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
)

type availabilityStore interface {
	CreateRule(ctx context.Context, rule *models.AvailabilityRule) error
	FindRule(ctx context.Context, id string) (*models.AvailabilityRule, error)
	ListActiveRules(ctx context.Context, teacherID string) ([]models.AvailabilityRule, error)
	DeactivateRule(ctx context.Context, id string) error
	CreateException(ctx context.Context, ex *models.AvailabilityException) error
	ListExceptions(ctx context.Context, teacherID, fromDate, toDate string) ([]models.AvailabilityException, error)
}

type grandfatherLedger interface {
	GrandfatherConfirmed(ctx context.Context, teacherID string, from time.Time) (int64, error)
}

// availabilityCache is the slice of redis.Client the service uses. Keys carry
// a per-teacher epoch; edits bump the epoch instead of enumerating keys.
type availabilityCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// AvailabilityService owns teacher availability: recurring weekly rules,
// one-off exceptions, and their expansion into concrete bookable intervals.
type AvailabilityService struct {
	repo      availabilityStore
	ledger    grandfatherLedger
	cache     availabilityCache
	cacheTTL  time.Duration
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAvailabilityService wires the availability store. cache and metrics may
// be nil.
func NewAvailabilityService(repo availabilityStore, ledger grandfatherLedger, cache availabilityCache, cacheTTL time.Duration, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *AvailabilityService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &AvailabilityService{
		repo:      repo,
		ledger:    ledger,
		cache:     cache,
		cacheTTL:  cacheTTL,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
	}
}

// CreateRuleRequest describes a new weekly availability window.
type CreateRuleRequest struct {
	Weekday        int        `json:"weekday" validate:"min=0,max=6"`
	StartMinute    int        `json:"start_minute" validate:"min=0,max=1439"`
	EndMinute      int        `json:"end_minute" validate:"min=1,max=1440"`
	Timezone       string     `json:"timezone" validate:"required"`
	EffectiveFrom  time.Time  `json:"effective_from" validate:"required"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
}

// CreateRule validates and stores a recurring rule.
func (s *AvailabilityService) CreateRule(ctx context.Context, teacherID string, req CreateRuleRequest) (*models.AvailabilityRule, error) {
	if teacherID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "teacher id is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid availability rule")
	}
	if req.StartMinute >= req.EndMinute {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rule start must be before end")
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown timezone")
	}
	if req.EffectiveUntil != nil && req.EffectiveUntil.Before(req.EffectiveFrom) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "effective_until precedes effective_from")
	}

	rule := &models.AvailabilityRule{
		TeacherID:      teacherID,
		Weekday:        req.Weekday,
		StartMinute:    req.StartMinute,
		EndMinute:      req.EndMinute,
		Timezone:       req.Timezone,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
	}
	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create availability rule")
	}
	s.bumpEpoch(ctx, teacherID)
	return rule, nil
}

// DeleteRule deactivates a rule and grandfathers the teacher's future
// confirmed lessons so earlier commitments stay valid.
func (s *AvailabilityService) DeleteRule(ctx context.Context, teacherID, ruleID string) error {
	rule, err := s.repo.FindRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.TeacherID != teacherID {
		return appErrors.Clone(appErrors.ErrNotFound, "availability rule not found")
	}
	if err := s.repo.DeactivateRule(ctx, ruleID); err != nil {
		return err
	}

	grandfathered, err := s.ledger.GrandfatherConfirmed(ctx, teacherID, time.Now().UTC())
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to grandfather confirmed lessons")
	}
	if grandfathered > 0 {
		s.logger.Sugar().Infow("grandfathered confirmed lessons after rule removal",
			"teacher_id", teacherID, "rule_id", ruleID, "lessons", grandfathered)
	}
	s.bumpEpoch(ctx, teacherID)
	return nil
}

// CreateExceptionRequest adds or blocks availability for a single day.
type CreateExceptionRequest struct {
	Date      string               `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime time.Time            `json:"start_time" validate:"required"`
	EndTime   time.Time            `json:"end_time" validate:"required"`
	Kind      models.ExceptionKind `json:"kind" validate:"required,oneof=ADD BLOCK"`
}

// CreateException validates and stores a one-off exception.
func (s *AvailabilityService) CreateException(ctx context.Context, teacherID string, req CreateExceptionRequest) (*models.AvailabilityException, error) {
	if teacherID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "teacher id is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid availability exception")
	}
	if _, err := models.NewTimeInterval(req.StartTime, req.EndTime); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	ex := &models.AvailabilityException{
		TeacherID: teacherID,
		Date:      req.Date,
		StartTime: req.StartTime.UTC(),
		EndTime:   req.EndTime.UTC(),
		Kind:      req.Kind,
	}
	if err := s.repo.CreateException(ctx, ex); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create availability exception")
	}
	s.bumpEpoch(ctx, teacherID)
	return ex, nil
}

// EffectiveIntervals expands the teacher's availability over [from, to) into
// a normalised, disjoint, time-ordered set of absolute intervals: recurring
// rules expanded per local day, ADD exceptions unioned in, BLOCK exceptions
// subtracted. Busy time is the resolver's concern, not this component's.
func (s *AvailabilityService) EffectiveIntervals(ctx context.Context, teacherID string, from, to time.Time) ([]models.TimeInterval, error) {
	window, err := models.NewTimeInterval(from, to)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid date range")
	}

	if cached, ok := s.cacheGet(ctx, teacherID, window); ok {
		return cached, nil
	}

	rules, err := s.repo.ListActiveRules(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load availability rules")
	}

	var raw []models.TimeInterval
	for _, rule := range rules {
		expanded, err := expandRule(rule, window)
		if err != nil {
			s.logger.Sugar().Warnw("skipping unexpandable rule", "rule_id", rule.ID, "error", err)
			continue
		}
		raw = append(raw, expanded...)
	}

	// Exceptions are keyed by local date; pad a day on each side so window
	// edges in other timezones are not missed.
	fromDate := window.Start.AddDate(0, 0, -1).Format("2006-01-02")
	toDate := window.End.AddDate(0, 0, 1).Format("2006-01-02")
	exceptions, err := s.repo.ListExceptions(ctx, teacherID, fromDate, toDate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load availability exceptions")
	}

	var blocks []models.TimeInterval
	for _, ex := range exceptions {
		iv := ex.Interval()
		if !iv.Overlaps(window) {
			continue
		}
		switch ex.Kind {
		case models.ExceptionAdd:
			raw = append(raw, iv)
		case models.ExceptionBlock:
			blocks = append(blocks, iv)
		}
	}

	effective := models.SubtractAll(raw, blocks)
	effective = clampToWindow(effective, window)

	s.cacheSet(ctx, teacherID, window, effective)
	return effective, nil
}

// expandRule walks the local days covered by window and materialises the
// rule's wall-clock span on each matching day.
func expandRule(rule models.AvailabilityRule, window models.TimeInterval) ([]models.TimeInterval, error) {
	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid timezone %q", rule.ID, rule.Timezone)
	}

	var out []models.TimeInterval
	startLocal := window.Start.In(loc).AddDate(0, 0, -1)
	endLocal := window.End.In(loc).AddDate(0, 0, 1)
	day := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 0, 0, 0, 0, loc)
	for !day.After(endLocal) {
		if rule.AppliesOn(day) {
			iv, err := rule.IntervalOn(day, loc)
			if err != nil {
				return nil, err
			}
			if iv.Overlaps(window) {
				out = append(out, iv)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}

func clampToWindow(intervals []models.TimeInterval, window models.TimeInterval) []models.TimeInterval {
	out := make([]models.TimeInterval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.Overlaps(window) {
			continue
		}
		start := iv.Start
		if start.Before(window.Start) {
			start = window.Start
		}
		end := iv.End
		if end.After(window.End) {
			end = window.End
		}
		out = append(out, models.TimeInterval{Start: start, End: end})
	}
	return out
}

func (s *AvailabilityService) epochKey(teacherID string) string {
	return "availability:epoch:" + teacherID
}

func (s *AvailabilityService) bumpEpoch(ctx context.Context, teacherID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Incr(ctx, s.epochKey(teacherID)).Err(); err != nil {
		s.logger.Sugar().Warnw("availability cache epoch bump failed", "teacher_id", teacherID, "error", err)
	}
}

func (s *AvailabilityService) cacheKey(ctx context.Context, teacherID string, window models.TimeInterval) (string, bool) {
	epoch, err := s.cache.Get(ctx, s.epochKey(teacherID)).Result()
	if err != nil {
		if err != redis.Nil {
			return "", false
		}
		epoch = "0"
	}
	return fmt.Sprintf("availability:%s:%s:%d:%d", teacherID, epoch, window.Start.Unix(), window.End.Unix()), true
}

func (s *AvailabilityService) cacheGet(ctx context.Context, teacherID string, window models.TimeInterval) ([]models.TimeInterval, bool) {
	if s.cache == nil {
		return nil, false
	}
	key, ok := s.cacheKey(ctx, teacherID, window)
	if !ok {
		s.metrics.RecordCacheLookup(false)
		return nil, false
	}
	payload, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		s.metrics.RecordCacheLookup(false)
		return nil, false
	}
	var intervals []models.TimeInterval
	if err := json.Unmarshal([]byte(payload), &intervals); err != nil {
		s.metrics.RecordCacheLookup(false)
		return nil, false
	}
	s.metrics.RecordCacheLookup(true)
	return intervals, true
}

func (s *AvailabilityService) cacheSet(ctx context.Context, teacherID string, window models.TimeInterval, intervals []models.TimeInterval) {
	if s.cache == nil {
		return
	}
	key, ok := s.cacheKey(ctx, teacherID, window)
	if !ok {
		return
	}
	payload, err := json.Marshal(intervals)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
		s.logger.Sugar().Warnw("availability cache write failed", "teacher_id", teacherID, "error", err)
	}
}
