package database

import (
	"context"
	"testing"

	"counselbook/internal/domain"
	"counselbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookings_CreateWithClaim(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	slot := newTestSlot(t, db, "09:00", "10:00")

	b := newTestBooking(t, db, slot, "user-1")
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, models.PaymentPending, b.PaymentStatus)
	assert.Equal(t, int64(1), b.Version)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "first visit", got.Notes)
	assert.False(t, got.ExtensionUsed)
	assert.Nil(t, got.FeedbackAt)

	s, err := db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, s.IsBooked)
	assert.Equal(t, b.ID, s.BookingID)

	// a second claim on the same slot persists nothing
	lost := &models.Booking{UserID: "user-2", ProviderID: slot.ProviderID, SlotID: slot.ID, Kind: slot.Kind}
	err = db.CreateBookingWithClaim(ctx, lost)
	assert.ErrorIs(t, err, domain.ErrSlotConflict)
	assert.Zero(t, lost.ID)

	views, err := db.ListUserBookings(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = db.GetBooking(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookings_ActiveWindows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := newTestBooking(t, db, newTestSlot(t, db, "09:00", "10:00"), "user-1")
	b := newTestBooking(t, db, newTestSlot(t, db, "11:00", "12:00"), "user-1")
	newTestBooking(t, db, newTestSlot(t, db, "13:00", "14:00"), "user-2")

	require.NoError(t, db.RejectBooking(ctx, b.ID, b.Version, "busy"))

	windows, err := db.ListActiveBookingWindows(ctx, "user-1", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, a.ID, windows[0].BookingID)
	assert.Equal(t, "09:00", windows[0].StartTime)
	assert.Equal(t, "10:00", windows[0].EndTime)

	windows, err = db.ListActiveBookingWindows(ctx, "user-1", "2026-03-03")
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestBookings_AcceptCreatesOneSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := newTestBooking(t, db, newTestSlot(t, db, "09:00", "10:00"), "user-1")

	session, err := db.AcceptBooking(ctx, b.ID, b.Version)
	require.NoError(t, err)
	assert.Equal(t, models.SessionScheduled, session.Status)
	assert.Equal(t, b.ID, session.BookingID)
	assert.Equal(t, "user-1", session.UserID)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, session.ID, got.SessionID)
	assert.Equal(t, int64(2), got.Version)

	// stale version and wrong source state both fail
	_, err = db.AcceptBooking(ctx, b.ID, b.Version)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	_, err = db.AcceptBooking(ctx, b.ID, got.Version)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE booking_id = ?`, b.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestBookings_RejectReleasesSlot(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	slot := newTestSlot(t, db, "09:00", "10:00")
	b := newTestBooking(t, db, slot, "user-1")

	require.NoError(t, db.RejectBooking(ctx, b.ID, b.Version, "on vacation"))

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, "on vacation", got.Reason)

	s, err := db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, s.IsBooked)
	assert.Zero(t, s.BookingID)

	// the slot can be claimed again
	newTestBooking(t, db, slot, "user-2")
}

func TestBookings_CancelAccepted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	slot := newTestSlot(t, db, "09:00", "10:00")
	b := newTestBooking(t, db, slot, "user-1")
	_, err := db.AcceptBooking(ctx, b.ID, b.Version)
	require.NoError(t, err)

	require.NoError(t, db.CancelBooking(ctx, b.ID, b.Version+1, "changed plans"))

	session, err := db.GetSessionByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, session.Status)

	s, err := db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, s.IsBooked)
}

func TestBookings_CompleteIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	slot := newTestSlot(t, db, "09:00", "10:00")
	b := newTestBooking(t, db, slot, "user-1")

	_, err := db.CompleteBooking(ctx, b.ID, "provider-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending booking cannot complete")

	_, err = db.AcceptBooking(ctx, b.ID, b.Version)
	require.NoError(t, err)

	changed, err := db.CompleteBooking(ctx, b.ID, models.SystemActor)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.CompleteBooking(ctx, b.ID, "provider-1")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.SystemActor, got.CompletedBy)

	s, err := db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotCompleted, s.Status)
	assert.True(t, s.IsBooked)

	session, err := db.GetSessionByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.NotNil(t, session.EndedAt)

	_, err = db.CompleteBooking(ctx, 999, "provider-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookings_FeedbackOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := newTestBooking(t, db, newTestSlot(t, db, "09:00", "10:00"), "user-1")

	assert.ErrorIs(t, db.SubmitFeedback(ctx, b.ID, 5, "great"), domain.ErrInvalidTransition)

	_, err := db.AcceptBooking(ctx, b.ID, b.Version)
	require.NoError(t, err)
	_, err = db.CompleteBooking(ctx, b.ID, "provider-1")
	require.NoError(t, err)

	require.NoError(t, db.SubmitFeedback(ctx, b.ID, 4, "helpful"))
	assert.ErrorIs(t, db.SubmitFeedback(ctx, b.ID, 1, "again"), domain.ErrFeedbackAlreadySubmitted)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Rating)
	assert.Equal(t, "helpful", got.FeedbackComment)
	require.NotNil(t, got.FeedbackAt)
}

func TestBookings_ApplyExtensionOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	slot := newTestSlot(t, db, "09:00", "10:00")
	b := newTestBooking(t, db, slot, "user-1")

	require.NoError(t, db.ApplyExtension(ctx, b.ID, slot.ID, "10:00", "10:15"))
	err := db.ApplyExtension(ctx, b.ID, slot.ID, "10:15", "10:30")
	assert.ErrorIs(t, err, domain.ErrExtensionAlreadyUsed)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.ExtensionUsed)

	s, err := db.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, "10:15", s.EndTime)
}

func TestBookings_ApplyExtensionRollsBackOnEndMismatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	slot := newTestSlot(t, db, "09:00", "10:00")
	b := newTestBooking(t, db, slot, "user-1")

	err := db.ApplyExtension(ctx, b.ID, slot.ID, "09:59", "10:14")
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.ExtensionUsed, "flag must roll back with the slot update")
}

func TestBookings_ProviderListing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	newTestBooking(t, db, newTestSlot(t, db, "11:00", "12:00"), "user-1")
	newTestBooking(t, db, newTestSlot(t, db, "09:00", "10:00"), "user-2")

	views, err := db.ListProviderBookings(ctx, "provider-1", "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "09:00", views[0].StartTime)
	assert.Equal(t, "user-2", views[0].UserID)
	assert.Equal(t, 20.0, views[0].Price)

	views, err = db.ListProviderBookings(ctx, "provider-1", "2026-04-01", "2026-04-30")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestBookings_ListOnDate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	accepted := newTestBooking(t, db, newTestSlot(t, db, "11:00", "12:00"), "user-1")
	_, err := db.AcceptBooking(ctx, accepted.ID, accepted.Version)
	require.NoError(t, err)
	newTestBooking(t, db, newTestSlot(t, db, "09:00", "10:00"), "user-2")

	views, err := db.ListBookingsOnDate(ctx, "2026-03-02", models.StatusAccepted)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, accepted.ID, views[0].ID)
	assert.Equal(t, "11:00", views[0].StartTime)

	views, err = db.ListBookingsOnDate(ctx, "2026-03-02", models.StatusAccepted, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "09:00", views[0].StartTime)

	views, err = db.ListBookingsOnDate(ctx, "2026-03-03", models.StatusAccepted)
	require.NoError(t, err)
	assert.Empty(t, views)

	views, err = db.ListBookingsOnDate(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Empty(t, views)
}
