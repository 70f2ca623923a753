package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/database"
	"counselbook/internal/events"
	"counselbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingTasks struct {
	mu     sync.Mutex
	notes  []models.Notification
	sheets []int64
	err    error
}

func (r *recordingTasks) EnqueueNotification(_ context.Context, _ int64, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.err
}

func (r *recordingTasks) EnqueueSheetUpsert(_ context.Context, b *models.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sheets = append(r.sheets, b.ID)
	return r.err
}

func (r *recordingTasks) notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.notes...)
}

type recordingBus struct {
	*events.EventBus
	mu    sync.Mutex
	types []string
}

func newRecordingBus() *recordingBus {
	b := &recordingBus{EventBus: events.NewEventBus()}
	b.SubscribeAll(func(e *events.Event) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.types = append(b.types, e.Type)
		return nil
	})
	return b
}

func (b *recordingBus) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.types...)
}

type fixture struct {
	db       *database.DB
	slots    *SlotService
	bookings *BookingService
	tasks    *recordingTasks
	bus      *recordingBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = db.Close() })

	tasks := &recordingTasks{}
	bus := newRecordingBus()
	slots := NewSlotService(db, bus, &logger)
	slots.SetClock(func() time.Time { return testNow })
	bookings := NewBookingService(db, bus, tasks, config.BookingConfig{DailyLimit: 3, ClaimRetries: 3}, &logger)

	return &fixture{db: db, slots: slots, bookings: bookings, tasks: tasks, bus: bus}
}

func (f *fixture) slot(t *testing.T, date, start, end string) *models.Slot {
	t.Helper()
	slot, err := f.slots.Create(context.Background(), "provider-1", SlotInput{
		Date: date, StartTime: start, EndTime: end, Kind: models.KindChat, Price: 20,
		ExtensionOptions: []models.ExtensionOption{{DurationMinutes: 15, Cost: 5}},
	})
	require.NoError(t, err)
	return slot
}

func (f *fixture) book(t *testing.T, slot *models.Slot, userID string) *models.Booking {
	t.Helper()
	b, err := f.bookings.CreateBooking(context.Background(), userID, slot.ID, "")
	require.NoError(t, err)
	return b
}
