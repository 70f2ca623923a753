package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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
	"counselbook/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testDate     = "2026-03-02"
	testUser     = "user-1"
	testProvider = "provider-1"
	testStranger = "user-2"
	testSecret   = "test-secret"
	testIssuer   = "counselbook-test"
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

type apiFixture struct {
	clock    *testClock
	db       *database.DB
	slots    *service.SlotService
	bookings *service.BookingService
	server   *HTTPServer
	ts       *httptest.Server
	tokens   *TokenVerifier
}

func newAPIFixture(t *testing.T, mutate func(cfg *config.APIConfig)) *apiFixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	clock := &testClock{now: at("08:00")}

	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	db.SetClock(clock.Now)
	t.Cleanup(func() { _ = db.Close() })

	slots := service.NewSlotService(db, nil, &logger)
	slots.SetClock(clock.Now)
	bookings := service.NewBookingService(db, nil, nil, config.BookingConfig{}, &logger)

	sessionCfg := config.SessionConfig{}
	store := repository.NewMemoryExtensionStore(24 * time.Hour)
	registry := session.NewRegistry()
	rooms := session.NewCoordinator(db, store, bookings, registry, nil, sessionCfg, &logger)
	rooms.SetClock(clock.Now)
	negotiator := session.NewNegotiator(db, store, payment.SandboxVerifier{}, registry, rooms, nil, sessionCfg,
		config.PaymentConfig{Timeout: time.Second}, &logger)
	negotiator.SetClock(clock.Now)

	cfg := config.APIConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer}}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewHTTPServer(cfg, sessionCfg, HTTPDeps{
		Slots:      slots,
		Bookings:   bookings,
		Rooms:      rooms,
		Extensions: negotiator,
		Checks: map[string]ReadinessCheck{
			"database": func(ctx context.Context) error { return db.PingContext(ctx) },
		},
	}, &logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.realtime.CloseAll()
		ts.Close()
	})

	return &apiFixture{
		clock:    clock,
		db:       db,
		slots:    slots,
		bookings: bookings,
		server:   srv,
		ts:       ts,
		tokens:   srv.tokens,
	}
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.tokens.Issue(userID, "", time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a JSON request and returns the status with the raw body.
func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeJSON[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

// slotFor creates a chat slot on testDate owned by testProvider.
func (f *apiFixture) slotFor(t *testing.T, start, end string) *models.Slot {
	t.Helper()
	slot, err := f.slots.Create(context.Background(), testProvider, service.SlotInput{
		Date: testDate, StartTime: start, EndTime: end, Kind: models.KindChat, Price: 20,
		ExtensionOptions: []models.ExtensionOption{{DurationMinutes: 15, Cost: 5}},
	})
	require.NoError(t, err)
	return slot
}

// acceptedBooking books a fresh slot for testUser and accepts it.
func (f *apiFixture) acceptedBooking(t *testing.T, start, end string) *models.Booking {
	t.Helper()
	ctx := context.Background()
	slot := f.slotFor(t, start, end)
	booking, err := f.bookings.CreateBooking(ctx, testUser, slot.ID, "")
	require.NoError(t, err)
	booking, err = f.bookings.UpdateStatus(ctx, booking.ID, testProvider, models.StatusAccepted, "")
	require.NoError(t, err)
	return booking
}
