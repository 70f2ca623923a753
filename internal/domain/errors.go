package domain

import "errors"

// Error taxonomy shared by the storage, service, session and transport layers.
// Callers match with errors.Is; producers wrap with fmt.Errorf("%w: ...").
var (
	ErrValidation               = errors.New("validation error")
	ErrNotFound                 = errors.New("not found")
	ErrSlotUnavailable          = errors.New("slot unavailable")
	ErrSlotConflict             = errors.New("slot conflict")
	ErrDailyLimitExceeded       = errors.New("daily booking limit exceeded")
	ErrOverlappingBooking       = errors.New("overlapping booking")
	ErrNotAuthorized            = errors.New("not authorized")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrSessionNotActive         = errors.New("session not active")
	ErrWindowNotOpen            = errors.New("session window not open yet")
	ErrWindowClosed             = errors.New("session window closed")
	ErrExtensionAlreadyUsed     = errors.New("extension already used")
	ErrPaymentFailed            = errors.New("payment failed")
	ErrFeedbackAlreadySubmitted = errors.New("feedback already submitted")
	ErrConcurrentModification   = errors.New("concurrent modification")
	ErrRateLimited              = errors.New("rate limit exceeded")
)

// Kind returns a short machine-readable name for the taxonomy error wrapped by err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "daily_limit_exceeded"
	case errors.Is(err, ErrOverlappingBooking):
		return "overlapping_booking"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, ErrWindowNotOpen):
		return "window_not_open"
	case errors.Is(err, ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, ErrExtensionAlreadyUsed):
		return "extension_already_used"
	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrFeedbackAlreadySubmitted):
		return "feedback_already_submitted"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
