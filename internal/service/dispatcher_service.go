package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
	"github.com/noah-isme/campuswatch/pkg/queue"
)

// ChatSender delivers rendered text to a user.
type ChatSender interface {
	SendMessage(ctx context.Context, userID, text string) (models.MessageHandle, error)
}

// DispatcherConfig tunes the notification dispatcher.
type DispatcherConfig struct {
	Streams      StreamNames
	Prefetch     int
	RequeueDelay time.Duration
}

// Dispatcher drains the notification streams and delivers each message
// through the chat transport.
type Dispatcher struct {
	cfg       DispatcherConfig
	broker    queue.Broker
	sender    ChatSender
	renderer  *Renderer
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(cfg DispatcherConfig, broker queue.Broker, sender ChatSender, renderer *Renderer, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *Dispatcher {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	if renderer == nil {
		renderer = NewRenderer()
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		broker:    broker,
		sender:    sender,
		renderer:  renderer,
		validator: validate,
		metrics:   metrics,
		logger:    logger.Named("dispatcher"),
	}
}

// Run consumes both domain streams until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	opts := queue.ConsumeOptions{
		Prefetch:     d.cfg.Prefetch,
		Requeue:      ShouldRequeue,
		RequeueDelay: d.cfg.RequeueDelay,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, stream := range []string{d.cfg.Streams.Attendance, d.cfg.Streams.Marks} {
		stream := stream
		g.Go(func() error {
			return d.broker.Consume(gctx, stream, opts, d.Handle)
		})
	}
	return g.Wait()
}

// Handle decodes, renders and delivers one queue message. The returned error
// decides between requeue and drop through ShouldRequeue.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	log := d.logger.With(zap.String("stream", msg.Stream), zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt))

	var payload models.QueueMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		d.metrics.RecordDispatch(msg.Stream, "dropped")
		log.Warn("malformed notification payload", zap.Error(err))
		return appErrors.WrapAs(err, appErrors.ErrMalformedPayload, "")
	}
	if err := d.validator.Struct(payload); err != nil {
		d.metrics.RecordDispatch(msg.Stream, "dropped")
		log.Warn("invalid notification payload", zap.Error(err))
		return appErrors.WrapAs(err, appErrors.ErrMalformedPayload, "")
	}

	text := d.renderer.Render(payload)
	handle, err := d.sender.SendMessage(ctx, payload.UserID, text)
	if err != nil {
		result := "dropped"
		if ShouldRequeue(err) {
			result = "requeued"
		}
		d.metrics.RecordDispatch(msg.Stream, result)
		log.Warn("notification delivery failed", zap.String("user_id", payload.UserID), zap.String("result", result), zap.Error(err))
		return err
	}

	d.metrics.RecordDispatch(msg.Stream, "delivered")
	log.Info("notification delivered",
		zap.String("user_id", payload.UserID),
		zap.Int64("chat_id", handle.ChatID),
		zap.Int("updates", len(payload.Updates)))
	return nil
}

// ShouldRequeue is true only for transient transport failures: explicit
// transient delivery errors, timeouts and refused connections.
func ShouldRequeue(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, appErrors.ErrDeliveryPermanent) || errors.Is(err, appErrors.ErrMalformedPayload) {
		return false
	}
	if errors.Is(err, appErrors.ErrDeliveryTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
