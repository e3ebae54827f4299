package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStreams(t *testing.T, clock func() time.Time) (*RedisStreams, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broker := NewRedisStreams(client, RedisStreamsConfig{
		Group:          "dispatchers",
		Consumer:       "worker-1",
		ReconnectDelay: 20 * time.Millisecond,
		BlockTimeout:   20 * time.Millisecond,
		Now:            clock,
	})
	return broker, client, mr
}

func startBroker(t *testing.T, b *RedisStreams) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Start(ctx))
	return ctx
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	res, err := client.XPending(context.Background(), stream, group).Result()
	require.NoError(t, err)
	return res.Count
}

func TestRedisStreamsPublishRequiresConnection(t *testing.T) {
	broker, _, _ := newTestStreams(t, nil)

	err := broker.Publish(context.Background(), "attendance_updates", []byte(`{}`), time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrQueueDisconnected))
	assert.False(t, broker.Connected())
}

func TestRedisStreamsDeliversAndAcknowledges(t *testing.T) {
	broker, client, _ := newTestStreams(t, nil)
	ctx := startBroker(t, broker)

	require.NoError(t, broker.Publish(ctx, "attendance_updates", []byte(`{"userId":"u1"}`), time.Hour))

	consumeCtx, stop := context.WithCancel(ctx)
	received := make(chan Message, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = broker.Consume(consumeCtx, "attendance_updates", ConsumeOptions{Prefetch: 2}, func(_ context.Context, msg Message) error {
			received <- msg
			return nil
		})
	}()

	select {
	case msg := <-received:
		assert.Equal(t, `{"userId":"u1"}`, string(msg.Body))
		assert.Equal(t, 0, msg.Attempt)
		assert.NotEmpty(t, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.Eventually(t, func() bool {
		return client.XLen(context.Background(), "attendance_updates").Val() == 0
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	<-done
	assert.Zero(t, pendingCount(t, client, "attendance_updates", "dispatchers"))
}

func TestRedisStreamsRedeliversAfterConsumerCrash(t *testing.T) {
	broker, client, _ := newTestStreams(t, nil)
	ctx := startBroker(t, broker)
	require.NoError(t, broker.Publish(ctx, "marks_updates", []byte(`{"userId":"u2"}`), time.Hour))

	// First consumer dies mid-delivery: the handler sees the message but the
	// process goes away before acknowledging it.
	crashCtx, crash := context.WithCancel(ctx)
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = broker.Consume(crashCtx, "marks_updates", ConsumeOptions{}, func(_ context.Context, _ Message) error {
			crash()
			return errors.New("interrupted")
		})
	}()
	<-firstDone
	assert.Equal(t, int64(1), pendingCount(t, client, "marks_updates", "dispatchers"))

	restartCtx, stop := context.WithCancel(ctx)
	redelivered := make(chan Message, 1)
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_ = broker.Consume(restartCtx, "marks_updates", ConsumeOptions{}, func(_ context.Context, msg Message) error {
			redelivered <- msg
			return nil
		})
	}()

	select {
	case msg := <-redelivered:
		assert.Equal(t, `{"userId":"u2"}`, string(msg.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("pending message was not redelivered")
	}
	require.Eventually(t, func() bool {
		return pendingCount(t, client, "marks_updates", "dispatchers") == 0
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	<-secondDone
}

func TestRedisStreamsRequeuesTransientFailures(t *testing.T) {
	broker, client, _ := newTestStreams(t, nil)
	ctx := startBroker(t, broker)
	require.NoError(t, broker.Publish(ctx, "attendance_updates", []byte(`{"userId":"u3"}`), time.Hour))

	transient := errors.New("telegram unavailable")
	var mu sync.Mutex
	var attempts []int

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = broker.Consume(consumeCtx, "attendance_updates", ConsumeOptions{
			Requeue:      func(err error) bool { return errors.Is(err, transient) },
			RequeueDelay: time.Millisecond,
		}, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, msg.Attempt)
			if len(attempts) == 1 {
				return transient
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return client.XLen(context.Background(), "attendance_updates").Val() == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1}, attempts)
	mu.Unlock()
}

func TestRedisStreamsRequeueDelayDoesNotHoldPrefetchSlot(t *testing.T) {
	broker, client, _ := newTestStreams(t, nil)
	ctx := startBroker(t, broker)
	require.NoError(t, broker.Publish(ctx, "marks_updates", []byte(`{"userId":"slow"}`), time.Hour))
	require.NoError(t, broker.Publish(ctx, "marks_updates", []byte(`{"userId":"next"}`), time.Hour))

	transient := errors.New("telegram unavailable")
	delivered := make(chan string, 4)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = broker.Consume(consumeCtx, "marks_updates", ConsumeOptions{
			Prefetch:     1,
			Requeue:      func(err error) bool { return errors.Is(err, transient) },
			RequeueDelay: time.Hour,
		}, func(_ context.Context, msg Message) error {
			if string(msg.Body) == `{"userId":"slow"}` {
				return transient
			}
			delivered <- string(msg.Body)
			return nil
		})
	}()

	select {
	case body := <-delivered:
		assert.Equal(t, `{"userId":"next"}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("a delayed requeue blocked the next read")
	}
	assert.Equal(t, int64(1), pendingCount(t, client, "marks_updates", "dispatchers"))

	stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop while a requeue was waiting")
	}
	assert.Equal(t, int64(1), pendingCount(t, client, "marks_updates", "dispatchers"))
}

func TestRedisStreamsDropsPermanentFailures(t *testing.T) {
	broker, client, _ := newTestStreams(t, nil)
	ctx := startBroker(t, broker)
	require.NoError(t, broker.Publish(ctx, "attendance_updates", []byte(`not-json`), time.Hour))

	var mu sync.Mutex
	calls := 0
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = broker.Consume(consumeCtx, "attendance_updates", ConsumeOptions{
			Requeue: func(error) bool { return false },
		}, func(_ context.Context, _ Message) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("malformed")
		})
	}()

	require.Eventually(t, func() bool {
		return client.XLen(context.Background(), "attendance_updates").Val() == 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Zero(t, pendingCount(t, client, "attendance_updates", "dispatchers"))
}

func TestRedisStreamsDropsExpiredMessages(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)}
	broker, client, _ := newTestStreams(t, clock.Now)
	ctx := startBroker(t, broker)
	require.NoError(t, broker.Publish(ctx, "marks_updates", []byte(`{"userId":"u4"}`), time.Minute))

	clock.Advance(2 * time.Minute)

	var mu sync.Mutex
	calls := 0
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = broker.Consume(consumeCtx, "marks_updates", ConsumeOptions{}, func(_ context.Context, _ Message) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return client.XLen(context.Background(), "marks_updates").Val() == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestRedisStreamsStartWaitsForServer(t *testing.T) {
	broker, _, mr := newTestStreams(t, nil)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := broker.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, broker.Connected())
}
