package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/export"
	"counselbook/internal/models"
	"counselbook/internal/service"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type createBookingRequest struct {
	SlotID int64  `json:"slot_id" validate:"required,gt=0"`
	Notes  string `json:"notes" validate:"max=1000"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=accepted rejected cancelled completed"`
	Reason string `json:"reason" validate:"max=500"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

// decode reads a JSON body into dst and validates its tags.
func decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body", domain.ErrValidation)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", domain.ErrValidation, r.PathValue("id"))
	}
	return id, nil
}

func (s *HTTPServer) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.PathValue("providerID"))

	var (
		slots []*models.Slot
		err   error
	)
	if from := strings.TrimSpace(r.URL.Query().Get("from")); from != "" {
		slots, err = s.deps.Slots.ListAvailable(r.Context(), providerID, from)
	} else {
		slots, err = s.deps.Slots.ListBookable(r.Context(), providerID)
	}
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *HTTPServer) handleCreateSlot(w http.ResponseWriter, r *http.Request, id *Identity) {
	var in service.SlotInput
	if err := decode(r, &in); err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	slot, err := s.deps.Slots.Create(r.Context(), id.UserID, in)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (s *HTTPServer) handleOwnSlots(w http.ResponseWriter, r *http.Request, id *Identity) {
	slots, err := s.deps.Slots.ListOwn(r.Context(), id.UserID)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *HTTPServer) handleGetSlot(w http.ResponseWriter, r *http.Request, _ *Identity) {
	slotID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	slot, err := s.deps.Slots.Get(r.Context(), slotID)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *HTTPServer) handleUpdateSlot(w http.ResponseWriter, r *http.Request, id *Identity) {
	slotID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	var in service.SlotInput
	if err := decode(r, &in); err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	slot, err := s.deps.Slots.Update(r.Context(), id.UserID, slotID, in)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *HTTPServer) handleDeleteSlot(w http.ResponseWriter, r *http.Request, id *Identity) {
	slotID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.deps.Slots.Delete(r.Context(), id.UserID, slotID); err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request, id *Identity) {
	var req createBookingRequest
	if err := decode(r, &req); err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	booking, err := s.deps.Bookings.CreateBooking(r.Context(), id.UserID, req.SlotID, req.Notes)
	if err != nil {
		s.writeDomainError(w, err, bookingCreateStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *HTTPServer) handleMyBookings(w http.ResponseWriter, r *http.Request, id *Identity) {
	views, err := s.deps.Bookings.ListUserBookings(r.Context(), id.UserID)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": views})
}

// providerRange reads from/to, defaulting to today and the following 30 days.
func providerRange(r *http.Request) (string, string) {
	today := time.Now().UTC()
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	if from == "" {
		from = today.Format(models.DateLayout)
	}
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if to == "" {
		to = today.AddDate(0, 0, 30).Format(models.DateLayout)
	}
	return from, to
}

func (s *HTTPServer) handleProviderBookings(w http.ResponseWriter, r *http.Request, id *Identity) {
	from, to := providerRange(r)
	views, err := s.deps.Bookings.ListProviderBookings(r.Context(), id.UserID, from, to)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": views, "from": from, "to": to})
}

func (s *HTTPServer) handleExportBookings(w http.ResponseWriter, r *http.Request, id *Identity) {
	from, to := providerRange(r)
	views, err := s.deps.Bookings.ListProviderBookings(r.Context(), id.UserID, from, to)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}

	var buf bytes.Buffer
	if err := export.WriteBookings(&buf, from, to, views); err != nil {
		s.writeDomainError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(from, to)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request, id *Identity) {
	bookingID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	booking, err := s.deps.Bookings.GetBooking(r.Context(), bookingID, id.UserID)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request, id *Identity) {
	bookingID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	booking, err := s.deps.Bookings.UpdateStatus(r.Context(), bookingID, id.UserID, req.Status, req.Reason)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// handleComplete lets the provider close an accepted booking manually.
func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request, id *Identity) {
	bookingID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	booking, err := s.deps.Bookings.MarkCompleted(r.Context(), bookingID, id.UserID)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleFeedback(w http.ResponseWriter, r *http.Request, id *Identity) {
	bookingID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	var req feedbackRequest
	if err := decode(r, &req); err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	booking, err := s.deps.Bookings.SubmitFeedback(r.Context(), bookingID, id.UserID, req.Rating, req.Comment)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleSessionView(w http.ResponseWriter, r *http.Request, id *Identity) {
	bookingID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	view, err := s.deps.Bookings.GetSessionView(r.Context(), bookingID, id.UserID)
	if err != nil {
		s.writeDomainError(w, err, httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}
