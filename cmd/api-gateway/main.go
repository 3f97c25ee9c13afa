package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/clefhq/lesson-engine/api/swagger"
	"github.com/clefhq/lesson-engine/internal/handler"
	"github.com/clefhq/lesson-engine/internal/middleware"
	"github.com/clefhq/lesson-engine/internal/models"
	"github.com/clefhq/lesson-engine/internal/repository"
	"github.com/clefhq/lesson-engine/internal/service"
	"github.com/clefhq/lesson-engine/pkg/cache"
	"github.com/clefhq/lesson-engine/pkg/config"
	"github.com/clefhq/lesson-engine/pkg/database"
	"github.com/clefhq/lesson-engine/pkg/events"
	"github.com/clefhq/lesson-engine/pkg/logger"
	corsmiddleware "github.com/clefhq/lesson-engine/pkg/middleware/cors"
	reqidmiddleware "github.com/clefhq/lesson-engine/pkg/middleware/requestid"
)

// @title Lesson Engine API
// @version 0.1.0
// @description Lesson scheduling and availability engine for music schools
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	// Redis is an optimisation, not a dependency; the engine runs without it.
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, availability caching disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	validate := validator.New()

	lessonRepo := repository.NewLessonRepository(db)
	availabilityRepo := repository.NewAvailabilityRepository(db)
	seriesRepo := repository.NewSeriesRepository(db)

	metricsSvc := service.NewMetricsService()

	availabilitySvc := service.NewAvailabilityService(availabilityRepo, lessonRepo, nil,
		cfg.Booking.AvailabilityCacheTTL, metricsSvc, validate, logr)
	if redisClient != nil {
		availabilitySvc = service.NewAvailabilityService(availabilityRepo, lessonRepo, redisClient,
			cfg.Booking.AvailabilityCacheTTL, metricsSvc, validate, logr)
	}

	resolver := service.NewConflictResolver(availabilitySvc, lessonRepo)

	bus := events.NewBus(events.BusConfig{
		BufferSize: cfg.Events.BufferSize,
		Workers:    cfg.Events.Workers,
		Logger:     logr,
	})
	bus.SubscribeAll(func(_ context.Context, e models.DomainEvent) {
		metricsSvc.CountEvent(e.Type)
	})
	bus.SubscribeAll(func(_ context.Context, e models.DomainEvent) {
		logr.Sugar().Infow("booking event",
			"type", e.Type, "lesson_id", e.LessonID,
			"teacher_id", e.TeacherID, "student_id", e.StudentID)
	})
	bus.Start(context.Background())
	defer bus.Stop()

	bookingSvc := service.NewBookingService(lessonRepo, resolver, bus, metricsSvc, service.BookingConfig{
		PastGrace:   cfg.Booking.PastGrace,
		MaxDuration: cfg.Booking.MaxDuration,
	}, validate, logr)

	seriesSvc := service.NewSeriesService(seriesRepo, bookingSvc, service.SeriesConfig{
		Horizon:        cfg.Series.Horizon,
		MaxOccurrences: cfg.Series.MaxOccurrences,
	}, validate, logr)

	authSvc := service.NewAuthService(service.AuthConfig{Secret: cfg.JWT.Secret})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Handlers{
		Availability: handler.NewAvailabilityHandler(availabilitySvc),
		Booking:      handler.NewBookingHandler(bookingSvc),
		Series:       handler.NewSeriesHandler(seriesSvc),
		Auth:         authSvc,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
