package events

import "time"

// Routing-level event types. The broker routing key is derived from these, see RoutingKey.
const (
	EventSlotCreated        = "slot_created"
	EventBookingCreated     = "booking_created"
	EventBookingAccepted    = "booking_accepted"
	EventBookingRejected    = "booking_rejected"
	EventBookingCancelled   = "booking_cancelled"
	EventBookingCompleted   = "booking_completed"
	EventFeedbackSubmitted  = "feedback_submitted"
	EventSessionStarted     = "session_started"
	EventSessionEnded       = "session_ended"
	EventExtensionCompleted = "extension_completed"
)

// BookingEventPayload is the booking snapshot every booking and session event carries.
type BookingEventPayload struct {
	BookingID  int64     `json:"booking_id"`
	SlotID     int64     `json:"slot_id"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	Status     string    `json:"status"`
	Date       string    `json:"date,omitempty"`
	StartTime  string    `json:"start_time,omitempty"`
	EndTime    string    `json:"end_time,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
