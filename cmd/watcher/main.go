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
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/campuswatch/api/swagger"
	"github.com/noah-isme/campuswatch/internal/handler"
	"github.com/noah-isme/campuswatch/internal/middleware"
	"github.com/noah-isme/campuswatch/internal/migration"
	"github.com/noah-isme/campuswatch/internal/models"
	"github.com/noah-isme/campuswatch/internal/repository"
	"github.com/noah-isme/campuswatch/internal/service"
	"github.com/noah-isme/campuswatch/pkg/cache"
	"github.com/noah-isme/campuswatch/pkg/config"
	"github.com/noah-isme/campuswatch/pkg/database"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
	"github.com/noah-isme/campuswatch/pkg/logger"
	corsmiddleware "github.com/noah-isme/campuswatch/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campuswatch/pkg/middleware/requestid"
	"github.com/noah-isme/campuswatch/pkg/portal"
	"github.com/noah-isme/campuswatch/pkg/queue"
	"github.com/noah-isme/campuswatch/pkg/secret"
	"github.com/noah-isme/campuswatch/pkg/telegram"
)

// @title campuswatch operator API
// @version 1.0.0
// @description Change detectors for portal attendance and marks
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "watcher")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := migration.Apply(ctx, db, logr); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close()

	box, err := secret.NewBox(cfg.Credentials.SecretKey)
	if err != nil {
		logr.Fatal("invalid credentials secret key", zap.Error(err))
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	broker, err := newBroker(ctx, cfg, redisClient, logr)
	if err != nil {
		logr.Fatal("failed to create queue broker", zap.Error(err))
	}
	streams := service.StreamNames{Attendance: cfg.Queue.AttendanceStream, Marks: cfg.Queue.MarksStream}

	snapshotRepo := repository.NewSnapshotRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	credentialRepo := repository.NewCredentialRepository(db, box, logr)
	cacheRepo := repository.NewCacheRepository(redisClient)

	snapshots := service.NewSnapshotService(snapshotRepo, cacheRepo, cfg.Watchers.SnapshotCacheTTL, metrics, logr)
	dedup := service.NewDedupService(repository.NewDedupRepository(redisClient), cfg.Watchers.DedupTTL, logr)
	publisher := service.NewNotificationPublisher(broker, streams, cfg.Queue.MessageTTL, metrics, logr)
	portalClient := portal.NewClient(portal.Config{
		BaseURL:    cfg.Portal.BaseURL,
		Timeout:    cfg.Portal.Timeout,
		SessionTTL: cfg.Portal.SessionTTL,
	}, repository.NewSessionRepository(redisClient), logr)

	deps := service.DetectorDeps{
		Credentials: credentialRepo,
		Portal:      portalClient,
		Locks:       repository.NewLockRepository(redisClient),
		Snapshots:   snapshots,
		Dedup:       dedup,
		Publisher:   publisher,
		Metrics:     metrics,
		Logger:      logr,
	}
	detectors := make(map[models.Domain]handler.CycleRunner)
	base := service.DetectorConfig{
		BatchSize:  cfg.Watchers.BatchSize,
		BatchPause: cfg.Watchers.BatchPause,
		LockTTL:    cfg.Watchers.LockTTL,
	}
	if cfg.Watchers.AttendanceEnabled {
		dc := base
		dc.Domain = models.DomainAttendance
		dc.Interval = cfg.Watchers.AttendanceInterval
		d := service.NewChangeDetector(dc, deps)
		detectors[d.Domain()] = d
		go d.Run(ctx)
	}
	if cfg.Watchers.MarksEnabled {
		dc := base
		dc.Domain = models.DomainMarks
		dc.Interval = cfg.Watchers.MarksInterval
		dc.MaxInterval = cfg.Watchers.MarksMaxInterval
		d := service.NewChangeDetector(dc, deps)
		detectors[d.Domain()] = d
		go d.Run(ctx)
	}

	if cfg.Queue.Driver == config.QueueDriverMemory {
		// Nothing outside this process can drain an in-memory queue.
		startLocalDispatcher(ctx, cfg, broker, streams, validate, metrics, logr)
	}

	auth := service.NewAuthService(validate, logr, service.AuthConfig{
		AccessTokenSecret:    cfg.JWT.Secret,
		AccessTokenExpiry:    cfg.JWT.Expiration,
		Issuer:               cfg.JWT.Issuer,
		OperatorUsername:     cfg.JWT.OperatorUsername,
		OperatorPasswordHash: cfg.JWT.OperatorPasswordHash,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	handler.Register(r, cfg.APIPrefix, handler.Routes{
		Auth:    handler.NewAuthHandler(auth),
		Watcher: handler.NewWatcherHandler(detectors, snapshots, historyRepo, logr),
		Metrics: handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{
			"postgres": snapshotRepo.Ping,
			"redis":    cacheRepo.Ping,
			"queue":    brokerCheck(broker),
		}),
		Tokens: auth,
		Logger: logr,
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	serve(ctx, r, cfg.Port, logr)
}

func newBroker(ctx context.Context, cfg *config.Config, client *redis.Client, logr *zap.Logger) (queue.Broker, error) {
	switch cfg.Queue.Driver {
	case config.QueueDriverMemory:
		logr.Warn("using in-memory queue, notifications do not survive a restart")
		return queue.NewMemory(queue.MemoryConfig{Logger: logr}), nil
	case config.QueueDriverRedis, "":
		broker := queue.NewRedisStreams(client, queue.RedisStreamsConfig{
			Group:          cfg.Queue.Group,
			Consumer:       cfg.Queue.Consumer,
			ReconnectDelay: cfg.Queue.ReconnectDelay,
			BlockTimeout:   cfg.Queue.BlockTimeout,
			ClaimIdle:      cfg.Queue.ClaimIdle,
			ClaimInterval:  cfg.Queue.ClaimInterval,
			MaxLen:         cfg.Queue.MaxLen,
			Logger:         logr,
		})
		// Detectors start right away; publishes fail fast until the broker is up.
		go func() {
			if err := broker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("queue broker stopped", zap.Error(err))
			}
		}()
		return broker, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func startLocalDispatcher(ctx context.Context, cfg *config.Config, broker queue.Broker, streams service.StreamNames, validate *validator.Validate, metrics *service.MetricsService, logr *zap.Logger) {
	sender, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Timeout:     cfg.Telegram.Timeout,
	}, logr)
	if err != nil {
		logr.Warn("in-process dispatcher disabled", zap.Error(err))
		return
	}
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Streams:  streams,
		Prefetch: cfg.Queue.Prefetch,
	}, broker, sender, service.NewRenderer(), validate, metrics, logr)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("in-process dispatcher stopped", zap.Error(err))
		}
	}()
}

func brokerCheck(broker queue.Broker) handler.ReadinessCheck {
	return func(context.Context) error {
		if !broker.Connected() {
			return appErrors.ErrQueueDisconnected
		}
		return nil
	}
}

func serve(ctx context.Context, h http.Handler, port int, logr *zap.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
}
