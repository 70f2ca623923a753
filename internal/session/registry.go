package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/metrics"
	"counselbook/internal/models"
)

// Entry is the live record of a session. End is the authoritative close time.
type Entry struct {
	BookingID  int64
	SessionID  int64
	SlotID     int64
	UserID     string
	ProviderID string
	Start      time.Time
	End        time.Time
}

// Registry tracks live sessions by booking ID.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]Entry)}
}

func newEntry(booking *models.Booking, slot *models.Slot, sessionID int64) (Entry, error) {
	start, end, err := slot.Window()
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		BookingID:  booking.ID,
		SessionID:  sessionID,
		SlotID:     slot.ID,
		UserID:     booking.UserID,
		ProviderID: booking.ProviderID,
		Start:      start,
		End:        end,
	}, nil
}

// Put inserts or replaces the entry for e.BookingID.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	r.entries[e.BookingID] = e
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetActiveSessions(n)
}

func (r *Registry) Get(bookingID int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[bookingID]
	return e, ok
}

// SetEnd moves the close time of a tracked session. It reports false for unknown bookings.
func (r *Registry) SetEnd(bookingID int64, end time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[bookingID]
	if !ok {
		return false
	}
	e.End = end
	r.entries[bookingID] = e
	return true
}

// TakeExpired removes and returns every entry whose end is not after now, oldest first.
// An entry is handed out at most once.
func (r *Registry) TakeExpired(now time.Time) []Entry {
	r.mu.Lock()
	var expired []Entry
	for id, e := range r.entries {
		if !e.End.After(now) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(expired) > 0 {
		metrics.SetActiveSessions(n)
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].End.Equal(expired[j].End) {
			return expired[i].BookingID < expired[j].BookingID
		}
		return expired[i].End.Before(expired[j].End)
	})
	return expired
}

func (r *Registry) Evict(bookingID int64) {
	r.mu.Lock()
	delete(r.entries, bookingID)
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetActiveSessions(n)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore rebuilds entries for sessions that were in progress when the process stopped.
// Sessions whose booking or slot cannot be loaded are skipped.
func (r *Registry) Restore(ctx context.Context, repo domain.SessionRepository) (int, error) {
	sessions, err := repo.ListInProgressSessions(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, s := range sessions {
		booking, err := repo.GetBooking(ctx, s.BookingID)
		if err != nil {
			continue
		}
		slot, err := repo.GetSlot(ctx, booking.SlotID)
		if err != nil {
			continue
		}
		e, err := newEntry(booking, slot, s.ID)
		if err != nil {
			continue
		}
		r.Put(e)
		restored++
	}
	return restored, nil
}
