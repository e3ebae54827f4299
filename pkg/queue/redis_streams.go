package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

const (
	fieldID         = "id"
	fieldBody       = "body"
	fieldAttempt    = "attempt"
	fieldEnqueuedAt = "enqueued_at"
	fieldExpiresAt  = "expires_at"
)

// RedisStreamsConfig configures the Redis Streams broker.
type RedisStreamsConfig struct {
	Group          string
	Consumer       string
	ReconnectDelay time.Duration
	BlockTimeout   time.Duration
	ClaimIdle      time.Duration
	ClaimInterval  time.Duration
	MaxLen         int64
	Logger         *zap.Logger
	Now            func() time.Time
}

func (c RedisStreamsConfig) withDefaults() RedisStreamsConfig {
	if c.Group == "" {
		c.Group = "notification_dispatchers"
	}
	if c.Consumer == "" {
		c.Consumer = "dispatcher-" + uuid.NewString()[:8]
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// RedisStreams is a Broker on Redis Streams consumer groups. Entries stay in
// the group's pending list until acknowledged, so a consumer that dies between
// read and ack gets them again when it restarts under the same name, and
// entries left behind by dead consumers are claimed after ClaimIdle.
type RedisStreams struct {
	client    *redis.Client
	cfg       RedisStreamsConfig
	logger    *zap.Logger
	connected atomic.Bool
}

// NewRedisStreams builds the broker. Call Start before publishing.
func NewRedisStreams(client *redis.Client, cfg RedisStreamsConfig) *RedisStreams {
	cfg = cfg.withDefaults()
	return &RedisStreams{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.Named("queue"),
	}
}

// Start blocks until Redis answers, retrying every ReconnectDelay, then keeps
// supervising the connection in the background until ctx ends.
func (b *RedisStreams) Start(ctx context.Context) error {
	for {
		err := b.client.Ping(ctx).Err()
		if err == nil {
			b.setConnected(true)
			break
		}
		b.logger.Warn("queue broker unreachable, retrying", zap.Duration("delay", b.cfg.ReconnectDelay), zap.Error(err))
		if !sleepWithContext(ctx, b.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
	go b.supervise(ctx)
	return nil
}

// Connected implements Broker.
func (b *RedisStreams) Connected() bool {
	return b.connected.Load()
}

func (b *RedisStreams) setConnected(up bool) {
	was := b.connected.Swap(up)
	if was == up {
		return
	}
	if up {
		b.logger.Info("queue broker connected")
	} else {
		b.logger.Warn("queue broker disconnected")
	}
}

func (b *RedisStreams) supervise(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ReconnectDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.client.Ping(ctx).Err()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				b.logger.Debug("queue broker ping failed", zap.Error(err))
			}
			b.setConnected(err == nil)
		}
	}
}

// Publish implements Broker. It fails fast while the broker is disconnected.
func (b *RedisStreams) Publish(ctx context.Context, stream string, body []byte, ttl time.Duration) error {
	if !b.Connected() {
		return appErrors.ErrQueueDisconnected
	}
	now := b.cfg.Now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldID:         uuid.NewString(),
			fieldBody:       string(body),
			fieldAttempt:    0,
			fieldEnqueuedAt: now.UnixMilli(),
			fieldExpiresAt:  expiresAt,
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		if isConnectionError(err) {
			b.setConnected(false)
		}
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Consume implements Broker. Connection failures are retried every
// ReconnectDelay; Consume only returns once ctx is cancelled.
func (b *RedisStreams) Consume(ctx context.Context, stream string, opts ConsumeOptions, handler Handler) error {
	opts = opts.withDefaults()
	retries := &sync.WaitGroup{}
	opts.retries = retries
	defer retries.Wait()
	log := b.logger.With(zap.String("stream", stream), zap.String("consumer", b.cfg.Consumer))
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := b.ensureGroup(ctx, stream)
		if err == nil {
			b.setConnected(true)
			log.Info("consumer attached", zap.Int("prefetch", opts.Prefetch))
			err = b.consumeLoop(ctx, stream, opts, handler, log)
		}
		if ctx.Err() != nil {
			return nil
		}
		if isConnectionError(err) {
			b.setConnected(false)
		}
		log.Warn("consumer interrupted, reconnecting", zap.Duration("delay", b.cfg.ReconnectDelay), zap.Error(err))
		if !sleepWithContext(ctx, b.cfg.ReconnectDelay) {
			return nil
		}
	}
}

func (b *RedisStreams) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", b.cfg.Group, stream, err)
	}
	return nil
}

func (b *RedisStreams) consumeLoop(ctx context.Context, stream string, opts ConsumeOptions, handler Handler, log *zap.Logger) error {
	// Replay our own pending entries first: they were read before a crash and never acknowledged.
	pendingCursor := "0"
	lastClaim := b.cfg.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		args := &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Count:    int64(opts.Prefetch),
			Block:    b.cfg.BlockTimeout,
		}
		replaying := pendingCursor != ""
		if replaying {
			args.Streams = []string{stream, pendingCursor}
			args.Block = -1
		} else {
			args.Streams = []string{stream, ">"}
		}

		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xreadgroup %s: %w", stream, err)
		}

		var entries []redis.XMessage
		for _, s := range res {
			entries = append(entries, s.Messages...)
		}

		if replaying {
			if len(entries) == 0 {
				pendingCursor = ""
				continue
			}
			log.Info("redelivering pending messages", zap.Int("count", len(entries)))
			pendingCursor = entries[len(entries)-1].ID
		}

		if err := b.handleBatch(ctx, stream, entries, opts, handler); err != nil {
			return err
		}

		if !replaying && b.cfg.ClaimInterval > 0 && b.cfg.Now().Sub(lastClaim) >= b.cfg.ClaimInterval {
			lastClaim = b.cfg.Now()
			claimed, err := b.claimStale(ctx, stream, opts.Prefetch)
			if err != nil {
				log.Warn("claiming stale messages failed", zap.Error(err))
				continue
			}
			if len(claimed) > 0 {
				log.Info("claimed stale messages", zap.Int("count", len(claimed)))
				if err := b.handleBatch(ctx, stream, claimed, opts, handler); err != nil {
					return err
				}
			}
		}
	}
}

func (b *RedisStreams) claimStale(ctx context.Context, stream string, count int) ([]redis.XMessage, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	return msgs, err
}

func (b *RedisStreams) handleBatch(ctx context.Context, stream string, entries []redis.XMessage, opts ConsumeOptions, handler Handler) error {
	if len(entries) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(opts.Prefetch)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			return b.handleEntry(ctx, stream, entry, opts, handler)
		})
	}
	return g.Wait()
}

func (b *RedisStreams) handleEntry(ctx context.Context, stream string, entry redis.XMessage, opts ConsumeOptions, handler Handler) error {
	log := b.logger.With(zap.String("stream", stream), zap.String("entry_id", entry.ID))

	msg, ok := decodeEntry(stream, entry)
	if !ok {
		log.Warn("discarding unreadable queue entry")
		return b.ack(ctx, stream, entry.ID)
	}
	log = log.With(zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt))

	if msg.Expired(b.cfg.Now()) {
		log.Info("dropping expired message", zap.Time("expired_at", msg.ExpiresAt))
		return b.ack(ctx, stream, entry.ID)
	}

	herr := handler(ctx, msg)
	if herr == nil {
		return b.ack(ctx, stream, entry.ID)
	}
	if ctx.Err() != nil {
		// Shutting down mid-delivery: leave it pending so it is redelivered.
		return nil
	}
	if opts.shouldRequeue(herr) {
		log.Warn("message failed, requeueing", zap.Error(herr), zap.Duration("delay", opts.RequeueDelay))
		b.requeueLater(ctx, stream, entry.ID, msg, opts, log)
		return nil
	}
	log.Error("message failed, dropping", zap.Error(herr))
	return b.ack(ctx, stream, entry.ID)
}

func (b *RedisStreams) ack(ctx context.Context, stream, entryID string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, b.cfg.Group, entryID)
		pipe.XDel(ctx, stream, entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", stream, entryID, err)
	}
	return nil
}

// requeueLater frees the prefetch slot right away. The entry stays pending
// until the delayed copy is written, so a shutdown before then leaves it for
// pending replay.
func (b *RedisStreams) requeueLater(ctx context.Context, stream, entryID string, msg Message, opts ConsumeOptions, log *zap.Logger) {
	delay := opts.RequeueDelay
	if delay <= 0 || opts.retries == nil {
		if err := b.requeue(ctx, stream, entryID, msg); err != nil {
			log.Warn("requeue failed", zap.Error(err))
		}
		return
	}
	retries := opts.retries
	retries.Add(1)
	go func() {
		defer retries.Done()
		if !sleepWithContext(ctx, delay) {
			return
		}
		if err := b.requeue(ctx, stream, entryID, msg); err != nil {
			log.Warn("requeue failed", zap.Error(err))
		}
	}()
}

// requeue appends a copy before acknowledging the original; a crash in between
// yields a duplicate rather than a loss.
func (b *RedisStreams) requeue(ctx context.Context, stream, entryID string, msg Message) error {
	var expiresAt int64
	if !msg.ExpiresAt.IsZero() {
		expiresAt = msg.ExpiresAt.UnixMilli()
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldID:         msg.ID,
			fieldBody:       string(msg.Body),
			fieldAttempt:    msg.Attempt + 1,
			fieldEnqueuedAt: msg.EnqueuedAt.UnixMilli(),
			fieldExpiresAt:  expiresAt,
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("requeue %s/%s: %w", stream, entryID, err)
	}
	return b.ack(ctx, stream, entryID)
}

func decodeEntry(stream string, entry redis.XMessage) (Message, bool) {
	body, ok := entry.Values[fieldBody].(string)
	if !ok {
		return Message{}, false
	}
	msg := Message{
		ID:     stringValue(entry.Values[fieldID]),
		Stream: stream,
		Body:   []byte(body),
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	msg.Attempt = int(intValue(entry.Values[fieldAttempt]))
	if ms := intValue(entry.Values[fieldEnqueuedAt]); ms > 0 {
		msg.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms := intValue(entry.Values[fieldExpiresAt]); ms > 0 {
		msg.ExpiresAt = time.UnixMilli(ms)
	}
	return msg, true
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func intValue(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// Server replied; the connection itself is fine.
		return false
	}
	return true
}
