package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/url-shortener/internal/model"
)

// testLinkStore runs the behaviour every LinkStore must share. newStore must
// return an empty store.
func testLinkStore(t *testing.T, newStore func(t *testing.T) LinkStore) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	link := func(code, target, owner string, createdAt, expiresAt time.Time) *model.ShortLink {
		return &model.ShortLink{
			ID:        uuid.New(),
			Code:      code,
			TargetURL: target,
			OwnerID:   owner,
			CreatedAt: createdAt,
			ExpiresAt: expiresAt,
		}
	}

	t.Run("create and get live", func(t *testing.T) {
		store := newStore(t)
		want := link("abc123", "https://example.com/a?x=1#f", "alice", now, now.Add(time.Hour))
		require.NoError(t, store.Create(ctx, want))

		got, err := store.GetLive(ctx, "abc123", now)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.TargetURL, got.TargetURL)
		assert.Equal(t, "alice", got.OwnerID)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
		assert.Zero(t, got.UsageCount)
	})

	t.Run("anonymous link has empty owner", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("anon01", "https://example.com", "", now, now.Add(time.Hour))))

		got, err := store.GetLive(ctx, "anon01", now)
		require.NoError(t, err)
		assert.Empty(t, got.OwnerID)
	})

	t.Run("expired link is not live but its code stays taken", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("old123", "https://example.com", "", now.Add(-time.Hour), now)))

		_, err := store.GetLive(ctx, "old123", now)
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := store.CodeExists(ctx, "old123")
		require.NoError(t, err)
		assert.True(t, exists)

		err = store.Create(ctx, link("old123", "https://example.com/new", "", now, now.Add(time.Hour)))
		assert.ErrorIs(t, err, ErrCodeConflict)
	})

	t.Run("unknown code", func(t *testing.T) {
		store := newStore(t)

		_, err := store.GetLive(ctx, "nope01", now)
		assert.ErrorIs(t, err, ErrNotFound)
		exists, err := store.CodeExists(ctx, "nope01")
		require.NoError(t, err)
		assert.False(t, exists)
		_, err = store.IncrementUsage(ctx, "nope01")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("codes are case sensitive", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("AbC123", "https://example.com/upper", "", now, now.Add(time.Hour))))
		require.NoError(t, store.Create(ctx, link("abc123", "https://example.com/lower", "", now, now.Add(time.Hour))))

		got, err := store.GetLive(ctx, "AbC123", now)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/upper", got.TargetURL)
	})

	t.Run("find live by target returns the oldest live link", func(t *testing.T) {
		store := newStore(t)
		target := "https://example.com/dedupe"
		require.NoError(t, store.Create(ctx, link("exp001", target, "", now.Add(-3*time.Hour), now.Add(-time.Hour))))
		require.NoError(t, store.Create(ctx, link("live01", target, "", now.Add(-2*time.Hour), now.Add(time.Hour))))
		require.NoError(t, store.Create(ctx, link("live02", target, "", now.Add(-time.Hour), now.Add(time.Hour))))

		got, err := store.FindLiveByTarget(ctx, target, now)
		require.NoError(t, err)
		assert.Equal(t, "live01", got.Code)

		_, err = store.FindLiveByTarget(ctx, "https://example.com/other", now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("increment usage", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("use001", "https://example.com", "", now, now.Add(time.Hour))))

		for want := int64(1); want <= 3; want++ {
			n, err := store.IncrementUsage(ctx, "use001")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		got, err := store.GetLive(ctx, "use001", now)
		require.NoError(t, err)
		assert.EqualValues(t, 3, got.UsageCount)
	})

	t.Run("list by owner newest first including expired", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("a00001", "https://example.com/1", "alice", now.Add(-2*time.Hour), now.Add(-time.Hour))))
		require.NoError(t, store.Create(ctx, link("a00002", "https://example.com/2", "alice", now, now.Add(time.Hour))))
		require.NoError(t, store.Create(ctx, link("b00001", "https://example.com/3", "bob", now, now.Add(time.Hour))))

		links, err := store.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, "a00002", links[0].Code)
		assert.Equal(t, "a00001", links[1].Code)

		links, err = store.ListByOwner(ctx, "carol")
		require.NoError(t, err)
		assert.NotNil(t, links)
		assert.Empty(t, links)
	})

	t.Run("delete owned", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("own001", "https://example.com", "alice", now, now.Add(time.Hour))))

		assert.ErrorIs(t, store.DeleteOwned(ctx, "own001", "bob"), ErrNotFound)
		require.NoError(t, store.DeleteOwned(ctx, "own001", "alice"))
		assert.ErrorIs(t, store.DeleteOwned(ctx, "own001", "alice"), ErrNotFound)

		exists, err := store.CodeExists(ctx, "own001")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("delete all by owner", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Create(ctx, link("a00002", "https://example.com/1", "alice", now, now.Add(time.Hour))))
		require.NoError(t, store.Create(ctx, link("a00001", "https://example.com/2", "alice", now, now.Add(time.Hour))))
		require.NoError(t, store.Create(ctx, link("b00001", "https://example.com/3", "bob", now, now.Add(time.Hour))))

		codes, err := store.DeleteAllByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a00001", "a00002"}, codes)

		_, err = store.GetLive(ctx, "b00001", now)
		assert.NoError(t, err)

		codes, err = store.DeleteAllByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, codes)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
