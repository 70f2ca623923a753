package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	extensionKeyPrefix = "counselbook:extension:"
	rateKeyPrefix      = "counselbook:rate:"
)

var errNilClient = errors.New("redis client is nil")

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// RedisExtensionStore keeps per-booking extension handshake state as JSON under a TTL,
// so every API replica sees the same phase.
type RedisExtensionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisExtensionStore(client *redis.Client, ttl time.Duration) *RedisExtensionStore {
	return &RedisExtensionStore{client: client, ttl: ttl}
}

func extensionKey(bookingID int64) string {
	return extensionKeyPrefix + strconv.FormatInt(bookingID, 10)
}

// GetExtension returns nil, nil when no handshake is stored for the booking.
func (r *RedisExtensionStore) GetExtension(ctx context.Context, bookingID int64) (*models.ExtensionState, error) {
	if r.client == nil {
		return nil, errNilClient
	}
	raw, err := r.client.Get(ctx, extensionKey(bookingID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get extension %d: %w", bookingID, err)
	}

	state := new(models.ExtensionState)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode extension %d: %w", bookingID, err)
	}
	return state, nil
}

func (r *RedisExtensionStore) SetExtension(ctx context.Context, state *models.ExtensionState) error {
	if r.client == nil {
		return errNilClient
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode extension %d: %w", state.BookingID, err)
	}
	if err := r.client.Set(ctx, extensionKey(state.BookingID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set extension %d: %w", state.BookingID, err)
	}
	return nil
}

func (r *RedisExtensionStore) ClearExtension(ctx context.Context, bookingID int64) error {
	if r.client == nil {
		return errNilClient
	}
	if err := r.client.Del(ctx, extensionKey(bookingID)).Err(); err != nil {
		return fmt.Errorf("clear extension %d: %w", bookingID, err)
	}
	return nil
}

// CheckRateLimit is a fixed-window counter. The window key is created with its TTL and
// incremented in one MULTI, so a crash between the two can not leave a counter without expiry.
func (r *RedisExtensionStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}
	rk := rateKeyPrefix + key

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, rk, 0, window)
		incr = pipe.Incr(ctx, rk)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(limit), nil
}
