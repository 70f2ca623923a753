package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverExtensionStore uses primary until it errors, then serves from fallback and retries primary
// once per recovery interval.
type FailoverExtensionStore struct {
	primary  domain.ExtensionStore
	fallback domain.ExtensionStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverExtensionStore(primary, fallback domain.ExtensionStore, logger *zerolog.Logger) *FailoverExtensionStore {
	return &FailoverExtensionStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverExtensionStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary extension store failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// usePrimary reports whether the next call should try primary.
func (r *FailoverExtensionStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastCheck) > recoveryInterval
}

func (r *FailoverExtensionStore) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary extension store recovered")
	}
}

func (r *FailoverExtensionStore) GetExtension(ctx context.Context, bookingID int64) (*models.ExtensionState, error) {
	if r.usePrimary() {
		state, err := r.primary.GetExtension(ctx, bookingID)
		if err == nil {
			r.recovered()
			return state, nil
		}
		r.markDown(err)
	}
	return r.fallback.GetExtension(ctx, bookingID)
}

func (r *FailoverExtensionStore) SetExtension(ctx context.Context, state *models.ExtensionState) error {
	if r.usePrimary() {
		err := r.primary.SetExtension(ctx, state)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SetExtension(ctx, state)
}

func (r *FailoverExtensionStore) ClearExtension(ctx context.Context, bookingID int64) error {
	// fallback may hold state written while primary was down
	_ = r.fallback.ClearExtension(ctx, bookingID)
	if r.usePrimary() {
		err := r.primary.ClearExtension(ctx, bookingID)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return nil
}

func (r *FailoverExtensionStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			r.recovered()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
