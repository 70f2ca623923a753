package repository

import (
	"context"
	"testing"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisExtensionStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer client.Close()

	repo := NewRedisExtensionStore(client, time.Hour)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		requested := time.Date(2026, 3, 2, 9, 50, 0, 0, time.UTC)
		state := &models.ExtensionState{
			BookingID: 123,
			Phase:     models.PhasePaymentPending,
			Offer:     &models.ExtensionOffer{OptionIndex: 0, RequestedAt: requested},
		}
		require.NoError(t, repo.SetExtension(ctx, state))

		got, err := repo.GetExtension(ctx, 123)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.PhasePaymentPending, got.Phase)
		require.NotNil(t, got.Offer)
		assert.True(t, got.Offer.RequestedAt.Equal(requested))
		assert.Equal(t, time.Hour, s.TTL("counselbook:extension:123"))
	})

	t.Run("GetMissing", func(t *testing.T) {
		got, err := repo.GetExtension(ctx, 999)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		require.NoError(t, repo.SetExtension(ctx, &models.ExtensionState{BookingID: 321, Used: true}))
		s.FastForward(time.Hour + time.Second)
		got, err := repo.GetExtension(ctx, 321)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, repo.SetExtension(ctx, &models.ExtensionState{BookingID: 456}))
		require.NoError(t, repo.ClearExtension(ctx, 456))
		got, _ := repo.GetExtension(ctx, 456)
		assert.Nil(t, got)
	})

	t.Run("RateLimit", func(t *testing.T) {
		key := "chat:user-789"
		window := time.Second

		allowed, err := repo.CheckRateLimit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, window, s.TTL("counselbook:rate:"+key))
		allowed, err = repo.CheckRateLimit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.True(t, allowed)
		allowed, err = repo.CheckRateLimit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.False(t, allowed)

		s.FastForward(window + time.Millisecond)

		allowed, err = repo.CheckRateLimit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisExtensionStore(nil, time.Hour)
		_, err := repo.GetExtension(ctx, 123)
		assert.ErrorContains(t, err, "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("ServerDown", func(t *testing.T) {
		down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
		defer Close(down)
		_, err := NewRedisExtensionStore(down, time.Hour).GetExtension(ctx, 1)
		assert.Error(t, err)
	})
}
