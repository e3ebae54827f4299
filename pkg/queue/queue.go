// Package queue provides the at-least-once notification queue shared by the
// change detectors (producers) and the dispatcher (consumer).
package queue

import (
	"context"
	"sync"
	"time"
)

// Message is a delivered queue entry.
type Message struct {
	ID         string
	Stream     string
	Body       []byte
	Attempt    int
	EnqueuedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the message outlived its TTL.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Handler processes a message. A nil error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// ConsumeOptions tunes a consumer.
type ConsumeOptions struct {
	// Prefetch bounds the number of messages handled concurrently.
	Prefetch int
	// Requeue decides whether a failed message is redelivered. Nil drops every failure.
	Requeue func(error) bool
	// RequeueDelay is waited before a failed message is put back.
	RequeueDelay time.Duration

	retries *sync.WaitGroup
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Prefetch <= 0 {
		o.Prefetch = 10
	}
	if o.RequeueDelay < 0 {
		o.RequeueDelay = 0
	}
	return o
}

func (o ConsumeOptions) shouldRequeue(err error) bool {
	return o.Requeue != nil && o.Requeue(err)
}

// Broker is a durable channel with acknowledgement semantics.
type Broker interface {
	// Publish enqueues body on stream; ttl bounds how long it stays deliverable.
	Publish(ctx context.Context, stream string, body []byte, ttl time.Duration) error
	// Consume blocks, handing messages to handler until ctx is cancelled.
	Consume(ctx context.Context, stream string, opts ConsumeOptions, handler Handler) error
	// Connected reports whether publishes are currently accepted.
	Connected() bool
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
