package api

import (
	"errors"
	"net/http"

	"counselbook/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// httpStatus maps the error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrSlotUnavailable),
		errors.Is(err, domain.ErrSlotConflict),
		errors.Is(err, domain.ErrDailyLimitExceeded),
		errors.Is(err, domain.ErrOverlappingBooking),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrFeedbackAlreadySubmitted),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrExtensionAlreadyUsed),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrWindowNotOpen),
		errors.Is(err, domain.ErrWindowClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// bookingCreateStatus reports every booking creation rule violation as a bad request.
func bookingCreateStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrSlotUnavailable),
		errors.Is(err, domain.ErrSlotConflict),
		errors.Is(err, domain.ErrDailyLimitExceeded),
		errors.Is(err, domain.ErrOverlappingBooking):
		return http.StatusBadRequest
	default:
		return httpStatus(err)
	}
}

// publicMessage hides storage details behind a generic message.
func publicMessage(err error, code int) string {
	if code >= http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch httpStatus(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case http.StatusConflict, http.StatusPaymentRequired:
		code = codes.FailedPrecondition
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
