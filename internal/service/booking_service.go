package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/domain"
	"counselbook/internal/events"
	"counselbook/internal/lock"
	"counselbook/internal/metrics"
	"counselbook/internal/models"
	"counselbook/internal/obs"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxFeedbackLength = 2000

type BookingService struct {
	repo         domain.BookingRepository
	eventBus     domain.EventPublisher
	tasks        domain.TaskEnqueuer
	locks        *lock.Keyed
	dailyLimit   int
	claimRetries int
	logger       *zerolog.Logger
}

func NewBookingService(
	repo domain.BookingRepository,
	eventBus domain.EventPublisher,
	tasks domain.TaskEnqueuer,
	cfg config.BookingConfig,
	logger *zerolog.Logger,
) *BookingService {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = models.DefaultDailyBookingLimit
	}
	if cfg.ClaimRetries <= 0 {
		cfg.ClaimRetries = models.DefaultClaimRetries
	}
	if eventBus == nil {
		eventBus = events.NewEventBus()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BookingService{
		repo:         repo,
		eventBus:     eventBus,
		tasks:        tasks,
		locks:        lock.NewKeyed(),
		dailyLimit:   cfg.DailyLimit,
		claimRetries: cfg.ClaimRetries,
		logger:       logger,
	}
}

// CreateBooking books slotID for userID. The limit and overlap checks and the claim run under
// the user-day and slot locks; the claim itself is a compare-and-set shared with the insert.
func (s *BookingService) CreateBooking(ctx context.Context, userID string, slotID int64, notes string) (*models.Booking, error) {
	ctx, span := obs.Tracer().Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.Int64("slot_id", slotID))

	booking, err := s.createBooking(ctx, userID, slotID, notes)
	if err != nil {
		metrics.IncBookingOutcome(domain.Kind(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Kind(err))
		return nil, err
	}
	metrics.IncBookingOutcome("created")
	span.SetAttributes(attribute.Int64("booking_id", booking.ID))
	return booking, nil
}

func (s *BookingService) createBooking(ctx context.Context, userID string, slotID int64, notes string) (*models.Booking, error) {
	if userID == "" || slotID <= 0 {
		return nil, fmt.Errorf("%w: user and slot are required", domain.ErrValidation)
	}
	if len(notes) > maxFeedbackLength {
		return nil, fmt.Errorf("%w: notes too long", domain.ErrValidation)
	}

	lostRace := false
	for attempt := 0; attempt <= s.claimRetries; attempt++ {
		slot, err := s.repo.GetSlot(ctx, slotID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: slot %d does not exist", domain.ErrSlotUnavailable, slotID)
		}
		if err != nil {
			return nil, err
		}
		if slot.IsBooked || slot.Status != models.SlotOpen {
			if lostRace {
				return nil, fmt.Errorf("%w: %w: slot %d taken concurrently", domain.ErrSlotUnavailable, domain.ErrSlotConflict, slotID)
			}
			return nil, fmt.Errorf("%w: slot %d is already booked", domain.ErrSlotUnavailable, slotID)
		}

		booking, err := s.claim(ctx, userID, slot, notes)
		if errors.Is(err, domain.ErrSlotConflict) {
			lostRace = true
			metrics.IncClaimRetry()
			s.logger.Debug().Int64("slot_id", slotID).Int("attempt", attempt+1).Msg("slot claim lost, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info().Int64("booking_id", booking.ID).Int64("slot_id", slotID).Str("user_id", userID).Msg("booking created")
		s.publishEvent(events.EventBookingCreated, booking, slot, userID)
		s.notify(ctx, booking.ID, models.Notification{
			Recipient: booking.ProviderID,
			Subject:   "New booking request",
			Body:      fmt.Sprintf("Booking #%d for %s %s-%s awaits your answer.", booking.ID, slot.Date, slot.StartTime, slot.EndTime),
		})
		s.enqueueSheet(ctx, booking)
		return booking, nil
	}
	return nil, fmt.Errorf("%w: %w: slot %d", domain.ErrSlotUnavailable, domain.ErrSlotConflict, slotID)
}

// claim runs the daily limit and overlap checks and the atomic claim for one attempt.
func (s *BookingService) claim(ctx context.Context, userID string, slot *models.Slot, notes string) (*models.Booking, error) {
	unlock := s.locks.LockAll(userDayKey(userID, slot.Date), slotKey(slot.ID))
	defer unlock()

	windows, err := s.repo.ListActiveBookingWindows(ctx, userID, slot.Date)
	if err != nil {
		return nil, err
	}
	if len(windows) >= s.dailyLimit {
		return nil, fmt.Errorf("%w: %d active bookings on %s", domain.ErrDailyLimitExceeded, len(windows), slot.Date)
	}
	for _, w := range windows {
		if models.Overlaps(w.StartTime, w.EndTime, slot.StartTime, slot.EndTime) {
			return nil, fmt.Errorf("%w: booking %d covers %s-%s", domain.ErrOverlappingBooking, w.BookingID, w.StartTime, w.EndTime)
		}
	}

	booking := &models.Booking{
		UserID:     userID,
		ProviderID: slot.ProviderID,
		SlotID:     slot.ID,
		Kind:       slot.Kind,
		Notes:      notes,
	}
	if err := s.repo.CreateBookingWithClaim(ctx, booking); err != nil {
		return nil, err
	}
	return booking, nil
}

// UpdateStatus applies a state machine transition requested by actorID.
func (s *BookingService) UpdateStatus(ctx context.Context, bookingID int64, actorID, newStatus, reason string) (*models.Booking, error) {
	if newStatus == models.StatusCompleted {
		return s.MarkCompleted(ctx, bookingID, actorID)
	}

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	switch newStatus {
	case models.StatusAccepted, models.StatusRejected:
		if actorID != booking.ProviderID {
			return nil, fmt.Errorf("%w: only the provider may %s booking %d", domain.ErrNotAuthorized, newStatus, bookingID)
		}
	case models.StatusCancelled:
		if actorID != booking.UserID {
			return nil, fmt.Errorf("%w: only the client may cancel booking %d", domain.ErrNotAuthorized, bookingID)
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, newStatus)
	}

	if !models.CanTransition(booking.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, booking.Status, newStatus)
	}

	var (
		eventType string
		note      models.Notification
	)
	switch newStatus {
	case models.StatusAccepted:
		if _, err = s.repo.AcceptBooking(ctx, bookingID, booking.Version); err != nil {
			return nil, s.transitionError(ctx, bookingID, newStatus, err)
		}
		eventType = events.EventBookingAccepted
		note = models.Notification{Recipient: booking.UserID, Subject: "Booking accepted",
			Body: fmt.Sprintf("Your booking #%d was accepted.", bookingID)}
	case models.StatusRejected:
		if err = s.repo.RejectBooking(ctx, bookingID, booking.Version, reason); err != nil {
			return nil, s.transitionError(ctx, bookingID, newStatus, err)
		}
		eventType = events.EventBookingRejected
		note = models.Notification{Recipient: booking.UserID, Subject: "Booking rejected",
			Body: fmt.Sprintf("Your booking #%d was rejected. %s", bookingID, reason)}
	case models.StatusCancelled:
		if err = s.repo.CancelBooking(ctx, bookingID, booking.Version, reason); err != nil {
			return nil, s.transitionError(ctx, bookingID, newStatus, err)
		}
		eventType = events.EventBookingCancelled
		note = models.Notification{Recipient: booking.ProviderID, Subject: "Booking cancelled",
			Body: fmt.Sprintf("Booking #%d was cancelled by the client. %s", bookingID, reason)}
	}
	metrics.IncTransition(newStatus)

	updated, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("booking_id", bookingID).Str("status", newStatus).Str("actor", actorID).Msg("booking status changed")
	s.publishEvent(eventType, updated, nil, actorID)
	s.notify(ctx, bookingID, note)
	s.enqueueSheet(ctx, updated)
	return updated, nil
}

// transitionError maps a lost optimistic update to the state machine view when the booking moved on.
func (s *BookingService) transitionError(ctx context.Context, bookingID int64, to string, err error) error {
	if !errors.Is(err, domain.ErrConcurrentModification) {
		return err
	}
	current, getErr := s.repo.GetBooking(ctx, bookingID)
	if getErr == nil && !models.CanTransition(current.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, to)
	}
	return err
}

// MarkCompleted completes an accepted booking on behalf of its provider or the system actor.
// Completing an already completed booking is a no-op.
func (s *BookingService) MarkCompleted(ctx context.Context, bookingID int64, actorID string) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID != booking.ProviderID && actorID != models.SystemActor {
		return nil, fmt.Errorf("%w: only the provider may complete booking %d", domain.ErrNotAuthorized, bookingID)
	}
	return s.complete(ctx, booking, actorID)
}

// CompleteByUser completes the booking when its client ends the session.
func (s *BookingService) CompleteByUser(ctx context.Context, bookingID int64, userID string) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if userID != booking.UserID {
		return nil, fmt.Errorf("%w: only the client may finish booking %d", domain.ErrNotAuthorized, bookingID)
	}
	return s.complete(ctx, booking, userID)
}

func (s *BookingService) complete(ctx context.Context, booking *models.Booking, actorID string) (*models.Booking, error) {
	changed, err := s.repo.CompleteBooking(ctx, booking.ID, actorID)
	if err != nil {
		return nil, err
	}
	updated, err := s.repo.GetBooking(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return updated, nil
	}

	metrics.IncTransition(models.StatusCompleted)
	s.logger.Info().Int64("booking_id", booking.ID).Str("actor", actorID).Msg("booking completed")
	s.publishEvent(events.EventBookingCompleted, updated, nil, actorID)
	s.enqueueSheet(ctx, updated)
	return updated, nil
}

// SubmitFeedback stores the client's one-time rating of a completed booking.
func (s *BookingService) SubmitFeedback(ctx context.Context, bookingID int64, actorID string, rating int, comment string) (*models.Booking, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", domain.ErrValidation)
	}
	if len(comment) > maxFeedbackLength {
		return nil, fmt.Errorf("%w: comment too long", domain.ErrValidation)
	}

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID != booking.UserID {
		return nil, fmt.Errorf("%w: only the client may rate booking %d", domain.ErrNotAuthorized, bookingID)
	}
	if booking.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: booking %d is %s", domain.ErrInvalidTransition, bookingID, booking.Status)
	}
	if booking.FeedbackAt != nil {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrFeedbackAlreadySubmitted, bookingID)
	}

	if err := s.repo.SubmitFeedback(ctx, bookingID, rating, comment); err != nil {
		return nil, err
	}
	updated, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	s.publishEvent(events.EventFeedbackSubmitted, updated, nil, actorID)
	s.enqueueSheet(ctx, updated)
	return updated, nil
}

// GetBooking returns the booking to one of its participants.
func (s *BookingService) GetBooking(ctx context.Context, bookingID int64, actorID string) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsParticipant(actorID) {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrNotAuthorized, bookingID)
	}
	return booking, nil
}

func (s *BookingService) ListUserBookings(ctx context.Context, userID string) ([]*models.BookingView, error) {
	return s.repo.ListUserBookings(ctx, userID)
}

func (s *BookingService) ListProviderBookings(ctx context.Context, providerID, fromDate, toDate string) ([]*models.BookingView, error) {
	if err := validateDate(fromDate); err != nil {
		return nil, err
	}
	if err := validateDate(toDate); err != nil {
		return nil, err
	}
	if toDate < fromDate {
		return nil, fmt.Errorf("%w: range end %s before start %s", domain.ErrValidation, toDate, fromDate)
	}
	return s.repo.ListProviderBookings(ctx, providerID, fromDate, toDate)
}

// GetSessionView returns the session of a booking with its slot and transcript.
func (s *BookingService) GetSessionView(ctx context.Context, bookingID int64, actorID string) (*models.SessionView, error) {
	booking, err := s.GetBooking(ctx, bookingID, actorID)
	if err != nil {
		return nil, err
	}
	session, err := s.repo.GetSessionByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.repo.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if transcript == nil {
		transcript = []models.Message{}
	}
	return &models.SessionView{Session: session, Slot: slot, Transcript: transcript}, nil
}

func (s *BookingService) publishEvent(eventType string, b *models.Booking, slot *models.Slot, changedBy string) {
	payload := events.BookingEventPayload{
		BookingID:  b.ID,
		SlotID:     b.SlotID,
		UserID:     b.UserID,
		ProviderID: b.ProviderID,
		Status:     b.Status,
		Reason:     b.Reason,
		ChangedBy:  changedBy,
		OccurredAt: time.Now().UTC(),
	}
	if slot != nil {
		payload.Date = slot.Date
		payload.StartTime = slot.StartTime
		payload.EndTime = slot.EndTime
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", b.ID).Msg("publish event error")
	}
}

// notify is fire-and-forget: a failure is logged and never fails the transition.
func (s *BookingService) notify(ctx context.Context, bookingID int64, n models.Notification) {
	if s.tasks == nil || n.Recipient == "" {
		return
	}
	if err := s.tasks.EnqueueNotification(ctx, bookingID, n); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", bookingID).Str("recipient", n.Recipient).Msg("notification enqueue error")
	}
}

func (s *BookingService) enqueueSheet(ctx context.Context, b *models.Booking) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.EnqueueSheetUpsert(ctx, b); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("sheets enqueue error")
	}
}

func userDayKey(userID, date string) string {
	return "user-day:" + userID + ":" + date
}

func slotKey(slotID int64) string {
	return fmt.Sprintf("slot:%d", slotID)
}
