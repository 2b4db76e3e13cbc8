package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/url-shortener/internal/cache"
	"github.com/zhejian/url-shortener/internal/events"
)

const entryTTL = 7 * 24 * time.Hour

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(t *testing.T, routingKey string, event any) events.Message {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return events.Message{ID: "msg-1", RoutingKey: routingKey, Body: body}
}

func newTestWorker(c cache.Cache, now time.Time) *CacheSyncWorker {
	w := NewCacheSyncWorker(events.NewMemoryBus(8), c, entryTTL, nil, discardLogger())
	w.now = func() time.Time { return now }
	return w
}

func TestCacheSyncWorker_HandleLinkCreated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("caches the link", func(t *testing.T) {
		c := cache.NewMemoryCache(0).WithClock(func() time.Time { return now })
		w := newTestWorker(c, now)

		err := w.HandleLinkCreated(ctx, message(t, events.LinkCreatedKey, events.LinkCreated{
			Code:      "abc123",
			TargetURL: "https://example.com/a",
			CreatedAt: now,
			ExpiresAt: now.AddDate(0, 0, 30),
		}))
		require.NoError(t, err)

		target, err := c.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/a", target)
	})

	t.Run("caps the entry at the link expiry", func(t *testing.T) {
		clock := now
		c := cache.NewMemoryCache(0).WithClock(func() time.Time { return clock })
		w := newTestWorker(c, now)

		err := w.HandleLinkCreated(ctx, message(t, events.LinkCreatedKey, events.LinkCreated{
			Code:      "short1",
			TargetURL: "https://example.com/short",
			ExpiresAt: now.Add(time.Hour),
		}))
		require.NoError(t, err)

		clock = now.Add(time.Hour)
		_, err = c.Get(ctx, "short1")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("uses the full TTL when the link outlives it", func(t *testing.T) {
		clock := now
		c := cache.NewMemoryCache(0).WithClock(func() time.Time { return clock })
		w := newTestWorker(c, now)

		err := w.HandleLinkCreated(ctx, message(t, events.LinkCreatedKey, events.LinkCreated{
			Code:      "long01",
			TargetURL: "https://example.com/long",
			ExpiresAt: now.AddDate(1, 0, 0),
		}))
		require.NoError(t, err)

		clock = now.Add(entryTTL - time.Second)
		_, err = c.Get(ctx, "long01")
		require.NoError(t, err)
		clock = now.Add(entryTTL)
		_, err = c.Get(ctx, "long01")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("skips links that already expired", func(t *testing.T) {
		c := cache.NewMemoryCache(0)
		w := newTestWorker(c, now)

		err := w.HandleLinkCreated(ctx, message(t, events.LinkCreatedKey, events.LinkCreated{
			Code:      "late01",
			TargetURL: "https://example.com/late",
			ExpiresAt: now.Add(-time.Minute),
		}))
		require.NoError(t, err)

		_, err = c.Get(ctx, "late01")
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("redelivery rewrites the same value", func(t *testing.T) {
		c := cache.NewMemoryCache(0)
		w := newTestWorker(c, now)
		msg := message(t, events.LinkCreatedKey, events.LinkCreated{
			Code:      "dup001",
			TargetURL: "https://example.com/dup",
			ExpiresAt: now.Add(time.Hour),
		})

		require.NoError(t, w.HandleLinkCreated(ctx, msg))
		require.NoError(t, w.HandleLinkCreated(ctx, msg))

		target, err := c.Get(ctx, "dup001")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/dup", target)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		w := newTestWorker(cache.NewMemoryCache(0), now)

		err := w.HandleLinkCreated(ctx, events.Message{RoutingKey: events.LinkCreatedKey, Body: []byte("{not json")})
		assert.Error(t, err)
	})
}

func TestCacheSyncWorker_HandleLinkVisited(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := cache.NewMemoryCache(0)
	w := newTestWorker(c, now)

	msg := message(t, events.LinkVisitedKey, events.LinkVisited{Code: "abc123", VisitedAt: now})
	require.NoError(t, w.HandleLinkVisited(ctx, msg))
	require.NoError(t, w.HandleLinkVisited(ctx, msg))

	visits, err := c.GetVisits(ctx, "abc123")
	require.NoError(t, err)
	assert.EqualValues(t, 2, visits, "redelivered visits are counted again")
}

func TestCacheSyncWorker_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewMemoryBus(8)
	c := cache.NewMemoryCache(0)
	w := NewCacheSyncWorker(bus, c, entryTTL, nil, discardLogger())
	require.NoError(t, w.Setup())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A bad message must not stop the consumer.
	require.NoError(t, bus.Publish(ctx, events.LinkCreatedKey, "not an object"))
	require.NoError(t, bus.Publish(ctx, events.LinkCreatedKey, events.LinkCreated{
		Code:      "run001",
		TargetURL: "https://example.com/run",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{Code: "run001"}))

	assert.Eventually(t, func() bool {
		target, err := c.Get(ctx, "run001")
		return err == nil && target == "https://example.com/run"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		visits, err := c.GetVisits(ctx, "run001")
		return err == nil && visits == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestCacheSyncWorker_RunWithoutSetup(t *testing.T) {
	w := NewCacheSyncWorker(events.NewMemoryBus(8), cache.NewMemoryCache(0), entryTTL, nil, discardLogger())

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, events.ErrUnknownQueue)
}

// unstableBus fails the first Consume on failQueue the way a dropped broker
// connection does, then behaves like the wrapped bus.
type unstableBus struct {
	*events.MemoryBus
	failQueue string
	failures  atomic.Int32
	binds     atomic.Int32
}

func (b *unstableBus) Consume(ctx context.Context, queue string, h events.Handler) error {
	if queue == b.failQueue && b.failures.Add(1) == 1 {
		return fmt.Errorf("%w: deliveries for %s closed", events.ErrUnavailable, queue)
	}
	return b.MemoryBus.Consume(ctx, queue, h)
}

func (b *unstableBus) Bind(queue, routingKey string) error {
	b.binds.Add(1)
	return b.MemoryBus.Bind(queue, routingKey)
}

func TestCacheSyncWorker_RunSurvivesBusFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &unstableBus{MemoryBus: events.NewMemoryBus(8), failQueue: events.LinkVisitedQueue}
	c := cache.NewMemoryCache(0)
	w := NewCacheSyncWorker(bus, c, entryTTL, nil, discardLogger())
	w.retryInitial = 10 * time.Millisecond
	w.retryMax = 50 * time.Millisecond
	require.NoError(t, w.Setup())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return bus.failures.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"visited consumer should be resubscribed")
	assert.GreaterOrEqual(t, bus.binds.Load(), int32(3), "queue is rebound before resubscribing")

	select {
	case err := <-done:
		t.Fatalf("Run returned after a bus failure: %v", err)
	default:
	}

	require.NoError(t, bus.Publish(ctx, events.LinkCreatedKey, events.LinkCreated{
		Code:      "flaky1",
		TargetURL: "https://example.com/flaky",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{Code: "flaky1"}))

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "flaky1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "created consumer kept running")
	assert.Eventually(t, func() bool {
		visits, err := c.GetVisits(ctx, "flaky1")
		return err == nil && visits == 1
	}, 2*time.Second, 10*time.Millisecond, "visited consumer resumed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestCacheSyncWorker_RunStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &unstableBus{MemoryBus: events.NewMemoryBus(8), failQueue: events.LinkCreatedQueue}
	w := NewCacheSyncWorker(bus, cache.NewMemoryCache(0), entryTTL, nil, discardLogger())
	w.retryInitial = time.Hour
	w.retryMax = time.Hour
	require.NoError(t, w.Setup())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return bus.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker stayed in backoff after cancel")
	}
}
