package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/url-shortener/internal/events"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"url.created", "url.created", true},
		{"url.created", "url.visited", false},
		{"url.*", "url.created", true},
		{"url.*", "url.created.v2", false},
		{"*.created", "url.created", true},
		{"url.#", "url", true},
		{"url.#", "url.created.v2", true},
		{"#", "anything.at.all", true},
		{"#.visited", "url.visited", true},
		{"#.visited", "url.created", false},
		{"url", "url.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, events.MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestMemoryBus_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by key to bound queues only", func(t *testing.T) {
		bus := events.NewMemoryBus(4)
		require.NoError(t, bus.Bind(events.LinkCreatedQueue, events.LinkCreatedKey))
		require.NoError(t, bus.Bind(events.LinkVisitedQueue, events.LinkVisitedKey))
		require.NoError(t, bus.Bind("audit", "url.#"))

		require.NoError(t, bus.Publish(ctx, events.LinkCreatedKey, events.LinkCreated{Code: "abc123"}))

		assert.Equal(t, 1, bus.Pending(events.LinkCreatedQueue))
		assert.Equal(t, 0, bus.Pending(events.LinkVisitedQueue))
		assert.Equal(t, 1, bus.Pending("audit"))
	})

	t.Run("drops messages nobody is bound to", func(t *testing.T) {
		bus := events.NewMemoryBus(4)
		assert.NoError(t, bus.Publish(ctx, events.LinkCreatedKey, events.LinkCreated{Code: "abc123"}))
	})

	t.Run("full queue is unavailable", func(t *testing.T) {
		bus := events.NewMemoryBus(1)
		require.NoError(t, bus.Bind(events.LinkVisitedQueue, events.LinkVisitedKey))

		require.NoError(t, bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{Code: "a"}))
		err := bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{Code: "b"})
		assert.ErrorIs(t, err, events.ErrUnavailable)
	})

	t.Run("closed bus is unavailable", func(t *testing.T) {
		bus := events.NewMemoryBus(1)
		require.NoError(t, bus.Close())

		assert.ErrorIs(t, bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{}), events.ErrUnavailable)
		assert.ErrorIs(t, bus.Ping(ctx), events.ErrUnavailable)
		assert.NoError(t, bus.Close())
	})
}

func TestMemoryBus_Consume(t *testing.T) {
	t.Run("delivers messages with ids and decodable bodies", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		bus := events.NewMemoryBus(4)
		require.NoError(t, bus.Bind(events.LinkCreatedQueue, events.LinkCreatedKey))
		expires := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		require.NoError(t, bus.Publish(ctx, events.LinkCreatedKey, events.LinkCreated{
			Code:      "abc123",
			TargetURL: "https://example.com",
			ExpiresAt: expires,
		}))

		got := make(chan events.Message, 1)
		go func() {
			_ = bus.Consume(ctx, events.LinkCreatedQueue, func(_ context.Context, msg events.Message) error {
				got <- msg
				return nil
			})
		}()

		select {
		case msg := <-got:
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, events.LinkCreatedKey, msg.RoutingKey)

			var ev events.LinkCreated
			require.NoError(t, msg.Decode(&ev))
			assert.Equal(t, "abc123", ev.Code)
			assert.Equal(t, "https://example.com", ev.TargetURL)
			assert.True(t, expires.Equal(ev.ExpiresAt))
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("handler errors do not stop consumption", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		bus := events.NewMemoryBus(4)
		require.NoError(t, bus.Bind(events.LinkVisitedQueue, events.LinkVisitedKey))
		require.NoError(t, bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{Code: "a"}))
		require.NoError(t, bus.Publish(ctx, events.LinkVisitedKey, events.LinkVisited{Code: "b"}))

		seen := make(chan string, 2)
		go func() {
			_ = bus.Consume(ctx, events.LinkVisitedQueue, func(_ context.Context, msg events.Message) error {
				var ev events.LinkVisited
				_ = msg.Decode(&ev)
				seen <- ev.Code
				return assert.AnError
			})
		}()

		for _, want := range []string{"a", "b"} {
			select {
			case code := <-seen:
				assert.Equal(t, want, code)
			case <-time.After(2 * time.Second):
				t.Fatalf("message %s not delivered", want)
			}
		}
	})

	t.Run("returns when the bus closes", func(t *testing.T) {
		bus := events.NewMemoryBus(4)
		require.NoError(t, bus.Bind(events.LinkVisitedQueue, events.LinkVisitedKey))

		done := make(chan error, 1)
		go func() {
			done <- bus.Consume(context.Background(), events.LinkVisitedQueue, func(context.Context, events.Message) error { return nil })
		}()
		require.NoError(t, bus.Close())

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	})

	t.Run("unknown queue", func(t *testing.T) {
		bus := events.NewMemoryBus(4)
		err := bus.Consume(context.Background(), "missing", func(context.Context, events.Message) error { return nil })
		assert.ErrorIs(t, err, events.ErrUnknownQueue)
	})
}

func TestMessage_Decode(t *testing.T) {
	msg := events.Message{ID: "m1", RoutingKey: events.LinkVisitedKey, Body: []byte("[")}
	var ev events.LinkVisited
	err := msg.Decode(&ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m1")
}
