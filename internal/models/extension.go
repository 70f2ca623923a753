package models

import "time"

// Extension handshake phases.
const (
	PhaseIdle           = "idle"
	PhaseOffered        = "offered"
	PhasePaymentPending = "payment_pending"
	PhaseApplied        = "applied"
)

// ExtensionOffer is the option the user asked for and when.
type ExtensionOffer struct {
	OptionIndex int       `json:"option_index"`
	RequestedAt time.Time `json:"requested_at"`
}

// ExtensionState is the ephemeral per-booking handshake record. A missing record means
// phase idle and not used.
type ExtensionState struct {
	BookingID int64           `json:"booking_id"`
	Used      bool            `json:"used"`
	Phase     string          `json:"phase"`
	Offer     *ExtensionOffer `json:"offer,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewExtensionState returns the idle state for a booking.
func NewExtensionState(bookingID int64) *ExtensionState {
	return &ExtensionState{BookingID: bookingID, Phase: PhaseIdle}
}
