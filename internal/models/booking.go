package models

import "time"

type Booking struct {
	ID              int64      `json:"id"`
	UserID          string     `json:"user_id"`
	ProviderID      string     `json:"provider_id"`
	SlotID          int64      `json:"slot_id"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`         // pending, accepted, rejected, cancelled, completed
	PaymentStatus   string     `json:"payment_status"` // pending, paid, refunded
	SessionID       int64      `json:"session_id,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Rating          int        `json:"rating,omitempty"`
	FeedbackComment string     `json:"feedback_comment,omitempty"`
	FeedbackAt      *time.Time `json:"feedback_at,omitempty"`
	CompletedBy     string     `json:"completed_by,omitempty"`
	ExtensionUsed   bool       `json:"extension_used"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
}

// IsParticipant reports whether identity is the booking's user or provider.
func (b *Booking) IsParticipant(identity string) bool {
	return identity != "" && (identity == b.UserID || identity == b.ProviderID)
}

// BookingWindow is the slot interval of one of a user's active bookings.
type BookingWindow struct {
	BookingID int64
	SlotID    int64
	Date      string
	StartTime string
	EndTime   string
}

// BookingView joins a booking with its slot for listings and exports.
type BookingView struct {
	Booking
	Date      string  `json:"date"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time"`
	Price     float64 `json:"price"`
}

var bookingTransitions = map[string][]string{
	StatusPending:  {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the booking state machine allows from -> to.
func CanTransition(from, to string) bool {
	for _, allowed := range bookingTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
