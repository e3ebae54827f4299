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
	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/handler"
	"github.com/noah-isme/campuswatch/internal/middleware"
	"github.com/noah-isme/campuswatch/internal/service"
	"github.com/noah-isme/campuswatch/pkg/cache"
	"github.com/noah-isme/campuswatch/pkg/config"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
	"github.com/noah-isme/campuswatch/pkg/logger"
	"github.com/noah-isme/campuswatch/pkg/queue"
	"github.com/noah-isme/campuswatch/pkg/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "dispatcher")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Queue.Driver == config.QueueDriverMemory {
		logr.Fatal("the memory queue is drained inside the watcher process; run the dispatcher with QUEUE_DRIVER=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close()

	sender, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Timeout:     cfg.Telegram.Timeout,
	}, logr)
	if err != nil {
		logr.Fatal("failed to connect telegram", zap.Error(err))
	}

	broker := queue.NewRedisStreams(redisClient, queue.RedisStreamsConfig{
		Group:          cfg.Queue.Group,
		Consumer:       cfg.Queue.Consumer,
		ReconnectDelay: cfg.Queue.ReconnectDelay,
		BlockTimeout:   cfg.Queue.BlockTimeout,
		ClaimIdle:      cfg.Queue.ClaimIdle,
		ClaimInterval:  cfg.Queue.ClaimInterval,
		MaxLen:         cfg.Queue.MaxLen,
		Logger:         logr,
	})
	if err := broker.Start(ctx); err != nil {
		logr.Fatal("queue broker never became reachable", zap.Error(err))
	}

	metrics := service.NewMetricsService()
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Streams:  service.StreamNames{Attendance: cfg.Queue.AttendanceStream, Marks: cfg.Queue.MarksStream},
		Prefetch: cfg.Queue.Prefetch,
	}, broker, sender, service.NewRenderer(), validator.New(), metrics, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Metrics(metrics))
	probes := handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{
		"queue": func(context.Context) error {
			if !broker.Connected() {
				return appErrors.ErrQueueDisconnected
			}
			return nil
		},
	})
	r.GET("/health", probes.Health)
	r.GET("/ready", probes.Ready)
	r.GET("/metrics", probes.Prometheus)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("probe server failed", zap.Error(err))
		}
	}()

	logr.Info("dispatcher running",
		zap.String("attendance_stream", cfg.Queue.AttendanceStream),
		zap.String("marks_stream", cfg.Queue.MarksStream),
		zap.Int("prefetch", cfg.Queue.Prefetch))
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("dispatcher stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logr.Info("dispatcher stopped")
}
