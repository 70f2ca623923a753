package domain

import (
	"context"
	"time"

	"counselbook/internal/models"
)

type SlotRepository interface {
	CreateSlot(ctx context.Context, slot *models.Slot) error
	GetSlot(ctx context.Context, id int64) (*models.Slot, error)
	ListAvailableSlots(ctx context.Context, providerID, fromDate string) ([]*models.Slot, error)
	ListProviderSlots(ctx context.Context, providerID string) ([]*models.Slot, error)
	UpdateSlot(ctx context.Context, slot *models.Slot) error
	DeleteSlot(ctx context.Context, id int64, providerID string) error
	MarkSlotBooked(ctx context.Context, slotID, bookingID int64, userID string) error
	ReleaseSlot(ctx context.Context, slotID int64) error
	ExtendSlotEnd(ctx context.Context, slotID int64, fromEnd, newEnd string) error
}

type BookingRepository interface {
	GetSlot(ctx context.Context, id int64) (*models.Slot, error)
	CreateBookingWithClaim(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	ListActiveBookingWindows(ctx context.Context, userID, date string) ([]models.BookingWindow, error)
	ListUserBookings(ctx context.Context, userID string) ([]*models.BookingView, error)
	ListProviderBookings(ctx context.Context, providerID, fromDate, toDate string) ([]*models.BookingView, error)
	AcceptBooking(ctx context.Context, id, fromVersion int64) (*models.Session, error)
	RejectBooking(ctx context.Context, id, fromVersion int64, reason string) error
	CancelBooking(ctx context.Context, id, fromVersion int64, reason string) error
	CompleteBooking(ctx context.Context, id int64, actorID string) (bool, error)
	SubmitFeedback(ctx context.Context, id int64, rating int, comment string) error
	GetSessionByBooking(ctx context.Context, bookingID int64) (*models.Session, error)
	ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error)
}

// SessionRepository is the durable state the real-time layer needs.
type SessionRepository interface {
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetSlot(ctx context.Context, id int64) (*models.Slot, error)
	GetSessionByBooking(ctx context.Context, bookingID int64) (*models.Session, error)
	StartSession(ctx context.Context, sessionID int64, at time.Time) error
	ListInProgressSessions(ctx context.Context) ([]*models.Session, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error)
	ApplyExtension(ctx context.Context, bookingID, slotID int64, fromEnd, newEnd string) error
}

type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetPendingTasks(ctx context.Context, limit int) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
}

// ExtensionStore keeps ephemeral handshake state. Get returns nil, nil for an unknown booking.
type ExtensionStore interface {
	GetExtension(ctx context.Context, bookingID int64) (*models.ExtensionState, error)
	SetExtension(ctx context.Context, state *models.ExtensionState) error
	ClearExtension(ctx context.Context, bookingID int64) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// BookingCompleter completes a booking. MarkCompleted accepts the provider or the system actor,
// CompleteByUser the booking's user finishing the session early.
type BookingCompleter interface {
	MarkCompleted(ctx context.Context, bookingID int64, actorID string) (*models.Booking, error)
	CompleteByUser(ctx context.Context, bookingID int64, userID string) (*models.Booking, error)
}

// PaymentRequest describes a payment the user claims to have made for an extension.
type PaymentRequest struct {
	BookingID int64
	UserID    string
	Amount    float64
	Reference string
}

// PaymentVerifier confirms a payment with the external gateway. A nil error means success.
type PaymentVerifier interface {
	Verify(ctx context.Context, req PaymentRequest) error
}

// Notifier delivers a notification to a recipient. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type TaskEnqueuer interface {
	EnqueueNotification(ctx context.Context, bookingID int64, n models.Notification) error
	EnqueueSheetUpsert(ctx context.Context, booking *models.Booking) error
}

type SheetsWriter interface {
	UpsertBooking(ctx context.Context, booking *models.Booking) error
}
