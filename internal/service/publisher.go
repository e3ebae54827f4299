package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
	"github.com/noah-isme/campuswatch/pkg/queue"
)

// StreamNames maps each domain to its queue stream.
type StreamNames struct {
	Attendance string
	Marks      string
}

// For returns the stream carrying notifications of domain.
func (n StreamNames) For(domain models.Domain) (string, error) {
	switch domain {
	case models.DomainAttendance:
		return n.Attendance, nil
	case models.DomainMarks:
		return n.Marks, nil
	default:
		return "", fmt.Errorf("no stream for domain %q", domain)
	}
}

// NotificationPublisher puts queue messages on the domain streams.
type NotificationPublisher struct {
	broker  queue.Broker
	streams StreamNames
	ttl     time.Duration
	metrics *MetricsService
	logger  *zap.Logger
}

// NewNotificationPublisher constructs the publisher. ttl bounds how long a message stays deliverable.
func NewNotificationPublisher(broker queue.Broker, streams StreamNames, ttl time.Duration, metrics *MetricsService, logger *zap.Logger) *NotificationPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationPublisher{broker: broker, streams: streams, ttl: ttl, metrics: metrics, logger: logger}
}

// Publish enqueues msg. Failures are returned as appErrors.ErrQueuePublish.
func (p *NotificationPublisher) Publish(ctx context.Context, msg models.QueueMessage) error {
	stream, err := p.streams.For(msg.Domain)
	if err != nil {
		return appErrors.WrapAs(err, appErrors.ErrQueuePublish, "")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return appErrors.WrapAs(err, appErrors.ErrQueuePublish, "failed to encode notification")
	}
	if err := p.broker.Publish(ctx, stream, body, p.ttl); err != nil {
		p.logger.Warn("notification publish failed",
			zap.String("stream", stream),
			zap.String("user_id", msg.UserID),
			zap.Int("updates", len(msg.Updates)),
			zap.Error(err))
		return appErrors.WrapAs(err, appErrors.ErrQueuePublish, "")
	}
	p.metrics.RecordNotificationQueued(string(msg.Domain))
	return nil
}
