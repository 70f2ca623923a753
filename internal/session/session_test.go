package session

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/database"
	"counselbook/internal/models"
	"counselbook/internal/payment"
	"counselbook/internal/repository"
	"counselbook/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testDate     = "2026-03-02"
	testUser     = "user-1"
	testProvider = "provider-1"
)

func at(clock string) time.Time {
	t, err := models.CombineUTC(testDate, clock)
	if err != nil {
		panic(err)
	}
	return t
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	clock      *testClock
	db         *database.DB
	slots      *service.SlotService
	bookings   *service.BookingService
	store      *repository.MemoryExtensionStore
	registry   *Registry
	rooms      *Coordinator
	negotiator *Negotiator
	sweeper    *Sweeper
}

func newFixture(t *testing.T, cfg config.SessionConfig) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	clock := &testClock{now: at("08:00")}

	db, err := database.NewDB(filepath.Join(t.TempDir(), "session.db"), &logger)
	require.NoError(t, err)
	db.SetClock(clock.Now)
	t.Cleanup(func() { _ = db.Close() })

	slots := service.NewSlotService(db, nil, &logger)
	slots.SetClock(clock.Now)
	bookings := service.NewBookingService(db, nil, nil, config.BookingConfig{}, &logger)

	store := repository.NewMemoryExtensionStore(24 * time.Hour)
	registry := NewRegistry()
	rooms := NewCoordinator(db, store, bookings, registry, nil, cfg, &logger)
	rooms.SetClock(clock.Now)
	negotiator := NewNegotiator(db, store, payment.SandboxVerifier{}, registry, rooms, nil, cfg,
		config.PaymentConfig{Timeout: time.Second}, &logger)
	negotiator.SetClock(clock.Now)
	sweeper := NewSweeper(registry, rooms, bookings, nil, time.Minute, &logger)
	sweeper.SetClock(clock.Now)

	return &fixture{
		clock:      clock,
		db:         db,
		slots:      slots,
		bookings:   bookings,
		store:      store,
		registry:   registry,
		rooms:      rooms,
		negotiator: negotiator,
		sweeper:    sweeper,
	}
}

// accepted creates a slot, books it for testUser and accepts it as testProvider.
func (f *fixture) accepted(t *testing.T, start, end, kind string) *models.Booking {
	t.Helper()
	ctx := context.Background()
	slot, err := f.slots.Create(ctx, testProvider, service.SlotInput{
		Date: testDate, StartTime: start, EndTime: end, Kind: kind, Price: 20,
		ExtensionOptions: []models.ExtensionOption{{DurationMinutes: 15, Cost: 5}, {DurationMinutes: 30, Cost: 9}},
	})
	require.NoError(t, err)
	booking, err := f.bookings.CreateBooking(ctx, testUser, slot.ID, "")
	require.NoError(t, err)
	booking, err = f.bookings.UpdateStatus(ctx, booking.ID, testProvider, models.StatusAccepted, "")
	require.NoError(t, err)
	return booking
}

func (f *fixture) slotOf(t *testing.T, b *models.Booking) *models.Slot {
	t.Helper()
	slot, err := f.db.GetSlot(context.Background(), b.SlotID)
	require.NoError(t, err)
	return slot
}

func (f *fixture) booking(t *testing.T, id int64) *models.Booking {
	t.Helper()
	b, err := f.db.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

// drain returns every queued event without blocking.
func drain(o *Outbox) []Event {
	var out []Event
	for {
		select {
		case ev := <-o.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func names(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Name)
	}
	return out
}

func find(evs []Event, name string) (Event, bool) {
	for _, ev := range evs {
		if ev.Name == name {
			return ev, true
		}
	}
	return Event{}, false
}
