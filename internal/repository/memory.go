package repository

import (
	"context"
	"sync"
	"time"

	"counselbook/internal/models"
)

type memoryEntry struct {
	state     models.ExtensionState
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryExtensionStore keeps extension state in process memory. It backs the redis store when redis is down
// and serves single-instance deployments on its own.
type MemoryExtensionStore struct {
	mu         sync.Mutex
	states     map[int64]memoryEntry
	rateLimits map[string]*rateLimitEntry
	ttl        time.Duration
	now        func() time.Time
}

func NewMemoryExtensionStore(ttl time.Duration) *MemoryExtensionStore {
	return &MemoryExtensionStore{
		states:     make(map[int64]memoryEntry),
		rateLimits: make(map[string]*rateLimitEntry),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (r *MemoryExtensionStore) GetExtension(_ context.Context, bookingID int64) (*models.ExtensionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.states[bookingID]
	if !ok {
		return nil, nil
	}
	if r.ttl > 0 && r.now().After(entry.expiresAt) {
		delete(r.states, bookingID)
		return nil, nil
	}
	state := entry.state
	state.Offer = cloneOffer(entry.state.Offer)
	return &state, nil
}

func (r *MemoryExtensionStore) SetExtension(_ context.Context, state *models.ExtensionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *state
	stored.Offer = cloneOffer(state.Offer)
	r.states[state.BookingID] = memoryEntry{state: stored, expiresAt: r.now().Add(r.ttl)}
	return nil
}

func (r *MemoryExtensionStore) ClearExtension(_ context.Context, bookingID int64) error {
	r.mu.Lock()
	delete(r.states, bookingID)
	r.mu.Unlock()
	return nil
}

// CheckRateLimit counts a hit for key in a fixed window and reports whether it is within limit.
func (r *MemoryExtensionStore) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}

func cloneOffer(o *models.ExtensionOffer) *models.ExtensionOffer {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
