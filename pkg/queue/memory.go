package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryConfig configures the in-process broker.
type MemoryConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Now        func() time.Time
}

// Memory is an in-process Broker backed by buffered channels and a goroutine
// worker pool per consumer. Messages do not survive a restart; it exists for
// local development and tests.
type Memory struct {
	bufferSize int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	streams map[string]chan Message
	closed  bool
}

// NewMemory builds an in-process broker.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Memory{
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger.Named("queue"),
		now:        cfg.Now,
		streams:    make(map[string]chan Message),
	}
}

func (m *Memory) stream(name string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("memory broker closed")
	}
	ch, ok := m.streams[name]
	if !ok {
		ch = make(chan Message, m.bufferSize)
		m.streams[name] = ch
	}
	return ch, nil
}

// Connected implements Broker.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close stops accepting publishes.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Publish implements Broker.
func (m *Memory) Publish(ctx context.Context, stream string, body []byte, ttl time.Duration) error {
	now := m.now()
	msg := Message{
		ID:         uuid.NewString(),
		Stream:     stream,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: now,
	}
	if ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}
	return m.enqueue(ctx, msg)
}

func (m *Memory) enqueue(ctx context.Context, msg Message) error {
	ch, err := m.stream(msg.Stream)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", msg.Stream, ctx.Err())
	case ch <- msg:
		return nil
	}
}

// Consume implements Broker. It runs opts.Prefetch workers and blocks until
// ctx is cancelled and every worker has returned.
func (m *Memory) Consume(ctx context.Context, stream string, opts ConsumeOptions, handler Handler) error {
	opts = opts.withDefaults()
	ch, err := m.stream(stream)
	if err != nil {
		return err
	}

	m.logger.Sugar().Infow("consumer started", "stream", stream, "workers", opts.Prefetch)
	var wg sync.WaitGroup
	for i := 0; i < opts.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx, ch, opts, handler)
		}()
	}
	wg.Wait()
	m.logger.Sugar().Infow("consumer stopped", "stream", stream)
	return nil
}

func (m *Memory) worker(ctx context.Context, ch chan Message, opts ConsumeOptions, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg.Expired(m.now()) {
				m.logger.Sugar().Infow("dropping expired message", "stream", msg.Stream, "message_id", msg.ID)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				m.handleFailure(ctx, msg, opts, err)
			}
		}
	}
}

func (m *Memory) handleFailure(ctx context.Context, msg Message, opts ConsumeOptions, err error) {
	if ctx.Err() != nil || !opts.shouldRequeue(err) {
		m.logger.Sugar().Errorw("message failed, dropping", "stream", msg.Stream, "message_id", msg.ID, "attempt", msg.Attempt, "error", err)
		return
	}
	msg.Attempt++
	m.logger.Sugar().Warnw("message failed, requeueing", "stream", msg.Stream, "message_id", msg.ID, "attempt", msg.Attempt, "error", err)

	go func(retry Message) {
		if !sleepWithContext(ctx, opts.RequeueDelay) {
			return
		}
		if err := m.enqueue(ctx, retry); err != nil {
			m.logger.Sugar().Errorw("failed to requeue message", "stream", retry.Stream, "message_id", retry.ID, "error", err)
		}
	}(msg)
}
