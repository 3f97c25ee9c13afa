package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clefhq/lesson-engine/internal/models"
)

// Handler consumes one domain event. Handlers run on bus workers; a slow or
// failing handler never blocks the booking workflow.
type Handler func(context.Context, models.DomainEvent)

// BusConfig tunes the dispatcher.
type BusConfig struct {
	BufferSize int
	Workers    int
	Logger     *zap.Logger
}

// Bus is an in-process publish/subscribe dispatcher for booking domain
// events. Payment and notification collaborators subscribe; the workflow only
// publishes.
type Bus struct {
	bufferSize int
	workers    int
	logger     *zap.Logger

	mu          sync.Mutex
	subscribers map[models.EventType][]Handler
	events      chan models.DomainEvent
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewBus builds an event bus with the provided configuration.
func NewBus(cfg BusConfig) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		bufferSize:  cfg.BufferSize,
		workers:     cfg.Workers,
		logger:      cfg.Logger,
		subscribers: make(map[models.EventType][]Handler),
		events:      make(chan models.DomainEvent, cfg.BufferSize),
	}
}

// Subscribe registers a handler for an event type. Must be called before
// Start.
func (b *Bus) Subscribe(eventType models.EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every booking event type.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, eventType := range []models.EventType{
		models.EventBookingRequested,
		models.EventBookingConfirmed,
		models.EventBookingCancelled,
		models.EventBookingRescheduled,
		models.EventBookingCompleted,
		models.EventBookingNoShow,
	} {
		b.Subscribe(eventType, handler)
	}
}

// Start launches the dispatch workers. Safe to call once.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.started = true
	b.logger.Sugar().Infow("event bus started", "workers", b.workers, "buffer", b.bufferSize)
}

// Stop cancels workers and waits for them to drain.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
	b.logger.Sugar().Infow("event bus stopped")
}

// Publish enqueues an event for asynchronous delivery. It never blocks the
// caller beyond the buffer: a full buffer drops the event with a log line
// rather than stalling a booking request.
func (b *Bus) Publish(event models.DomainEvent) error {
	b.mu.Lock()
	started := b.started
	ctx := b.ctx
	b.mu.Unlock()

	if !started {
		return fmt.Errorf("event bus not started")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("event bus stopped: %w", ctx.Err())
	case b.events <- event:
		return nil
	default:
		b.logger.Sugar().Warnw("event buffer full, dropping event",
			"type", event.Type, "lesson_id", event.LessonID)
		return fmt.Errorf("event buffer full")
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			// Drain what is already buffered before exiting.
			for {
				select {
				case event := <-b.events:
					b.dispatch(event)
				default:
					return
				}
			}
		case event := <-b.events:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event models.DomainEvent) {
	b.mu.Lock()
	handlers := b.subscribers[event.Type]
	b.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Sugar().Errorw("event handler panicked",
						"type", event.Type, "lesson_id", event.LessonID, "panic", r)
				}
			}()
			handler(context.Background(), event)
		}()
	}
	b.logger.Sugar().Debugw("event dispatched",
		"type", event.Type, "lesson_id", event.LessonID, "handlers", len(handlers))
}
