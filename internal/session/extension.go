package session

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

// ExtensionRequested goes to the provider when the client asks for more time.
type ExtensionRequested struct {
	BookingID         int64                  `json:"bookingId"`
	User              string                 `json:"user"`
	OptionIndex       int                    `json:"optionIndex"`
	Option            models.ExtensionOption `json:"option"`
	CurrentEnd        time.Time              `json:"currentEnd"`
	ProspectiveNewEnd time.Time              `json:"prospectiveNewEnd"`
}

type ExtensionAccepted struct {
	BookingID       int64                  `json:"bookingId"`
	OptionIndex     int                    `json:"optionIndex"`
	Option          models.ExtensionOption `json:"option"`
	PaymentRequired bool                   `json:"paymentRequired"`
}

type ExtensionRejected struct {
	BookingID int64  `json:"bookingId"`
	Message   string `json:"message"`
}

// ExtensionCompleted is broadcast to the room once the new end is durable.
type ExtensionCompleted struct {
	BookingID        int64     `json:"bookingId"`
	NewEndTime       time.Time `json:"newEndTime"`
	MinutesRemaining int       `json:"minutesRemaining"`
}

// Negotiator runs the per-booking extension handshake: the client requests an option, the
// provider answers, the client pays. Steps out of order fail with ErrInvalidTransition and
// change nothing.
type Negotiator struct {
	repo         domain.SessionRepository
	store        domain.ExtensionStore
	payments     domain.PaymentVerifier
	registry     *Registry
	rooms        *Coordinator
	eventBus     domain.EventPublisher
	locks        *lock.Keyed
	requestGrace time.Duration
	payTimeout   time.Duration
	logger       *zerolog.Logger
	now          func() time.Time
}

func NewNegotiator(
	repo domain.SessionRepository,
	store domain.ExtensionStore,
	payments domain.PaymentVerifier,
	registry *Registry,
	rooms *Coordinator,
	eventBus domain.EventPublisher,
	sessionCfg config.SessionConfig,
	paymentCfg config.PaymentConfig,
	logger *zerolog.Logger,
) *Negotiator {
	if sessionCfg.ExtensionRequestGrace <= 0 {
		sessionCfg.ExtensionRequestGrace = time.Minute
	}
	if paymentCfg.Timeout <= 0 {
		paymentCfg.Timeout = 10 * time.Second
	}
	if eventBus == nil {
		eventBus = events.NewEventBus()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Negotiator{
		repo:         repo,
		store:        store,
		payments:     payments,
		registry:     registry,
		rooms:        rooms,
		eventBus:     eventBus,
		locks:        rooms.locks,
		requestGrace: sessionCfg.ExtensionRequestGrace,
		payTimeout:   paymentCfg.Timeout,
		logger:       logger,
		now:          time.Now,
	}
}

func (n *Negotiator) SetClock(now func() time.Time) {
	n.now = now
}

// Request records the client's choice of option and forwards it to the provider. Asking again
// while an offer is pending replaces it.
func (n *Negotiator) Request(ctx context.Context, identity string, bookingID int64, optionIndex int) (*ExtensionRequested, error) {
	unlock := n.locks.Lock(bookingKey(bookingID))
	defer unlock()

	booking, err := n.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if identity != booking.UserID {
		return nil, fmt.Errorf("%w: only the client may request an extension", domain.ErrNotAuthorized)
	}
	slot, err := n.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return nil, err
	}
	_, end, err := slot.Window()
	if err != nil {
		return nil, err
	}
	now := n.now().UTC()
	if !n.requestAllowed(booking, end, now) {
		return nil, fmt.Errorf("%w: booking %d cannot be extended now", domain.ErrSessionNotActive, bookingID)
	}
	option, ok := slot.Option(optionIndex)
	if !ok {
		return nil, fmt.Errorf("%w: unknown extension option %d", domain.ErrValidation, optionIndex)
	}
	newEnd, err := extendedEnd(slot, end, option)
	if err != nil {
		return nil, err
	}
	if booking.ExtensionUsed {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrExtensionAlreadyUsed, bookingID)
	}

	state, err := n.state(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if state.Used {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrExtensionAlreadyUsed, bookingID)
	}
	if state.Phase != models.PhaseIdle && state.Phase != models.PhaseOffered {
		return nil, fmt.Errorf("%w: extension is %s", domain.ErrInvalidTransition, state.Phase)
	}

	state.Phase = models.PhaseOffered
	state.Offer = &models.ExtensionOffer{OptionIndex: optionIndex, RequestedAt: now}
	state.UpdatedAt = now
	if err := n.store.SetExtension(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save extension state: %w", err)
	}
	metrics.IncExtensionPhase(models.PhaseOffered)

	req := &ExtensionRequested{
		BookingID:         bookingID,
		User:              booking.UserID,
		OptionIndex:       optionIndex,
		Option:            option,
		CurrentEnd:        end,
		ProspectiveNewEnd: newEnd,
	}
	if delivered, _ := n.rooms.SendToIdentity(booking.ProviderID, Event{Name: EventExtensionRequested, Data: req}); delivered == 0 {
		n.logger.Warn().Int64("booking_id", bookingID).Msg("provider not connected for extension request")
	}
	n.logger.Info().Int64("booking_id", bookingID).Int("option", optionIndex).Msg("extension requested")
	return req, nil
}

// Respond records the provider's answer to the pending offer.
func (n *Negotiator) Respond(ctx context.Context, identity string, bookingID int64, accepted bool, optionIndex int) error {
	unlock := n.locks.Lock(bookingKey(bookingID))
	defer unlock()

	booking, err := n.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if identity != booking.ProviderID {
		return fmt.Errorf("%w: only the provider may answer an extension request", domain.ErrNotAuthorized)
	}
	state, err := n.state(ctx, bookingID)
	if err != nil {
		return err
	}
	if state.Phase != models.PhaseOffered || state.Offer == nil {
		return fmt.Errorf("%w: no pending extension request", domain.ErrInvalidTransition)
	}
	if state.Offer.OptionIndex != optionIndex {
		return fmt.Errorf("%w: option %d was not requested", domain.ErrValidation, optionIndex)
	}

	slot, err := n.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return err
	}
	_, end, err := slot.Window()
	if err != nil {
		return err
	}
	now := n.now().UTC()
	state.UpdatedAt = now
	if now.After(end.Add(n.requestGrace)) {
		if err := n.reset(ctx, state); err != nil {
			return err
		}
		return fmt.Errorf("%w: booking %d ended at %s", domain.ErrSessionNotActive, bookingID, slot.EndTime)
	}
	if !accepted {
		if err := n.reset(ctx, state); err != nil {
			return err
		}
		n.rooms.SendToIdentity(booking.UserID, Event{Name: EventExtensionRejected, Data: ExtensionRejected{
			BookingID: bookingID,
			Message:   "The provider declined the extension request",
		}})
		n.logger.Info().Int64("booking_id", bookingID).Msg("extension rejected")
		return nil
	}

	option, ok := slot.Option(optionIndex)
	if !ok {
		return fmt.Errorf("%w: unknown extension option %d", domain.ErrValidation, optionIndex)
	}
	if _, err := extendedEnd(slot, end, option); err != nil {
		return err
	}
	state.Phase = models.PhasePaymentPending
	if err := n.store.SetExtension(ctx, state); err != nil {
		return fmt.Errorf("failed to save extension state: %w", err)
	}
	metrics.IncExtensionPhase(models.PhasePaymentPending)
	n.rooms.SendToIdentity(booking.UserID, Event{Name: EventExtensionAccepted, Data: ExtensionAccepted{
		BookingID:       bookingID,
		OptionIndex:     optionIndex,
		Option:          option,
		PaymentRequired: true,
	}})
	n.logger.Info().Int64("booking_id", bookingID).Msg("extension accepted, awaiting payment")
	return nil
}

// ProcessPayment verifies the client's payment and applies the extension. A failed payment
// leaves the handshake in payment_pending so the client can retry.
func (n *Negotiator) ProcessPayment(ctx context.Context, identity string, bookingID int64, optionIndex int, paymentRef string) (*ExtensionCompleted, error) {
	ctx, span := obs.Tracer().Start(ctx, "extension.payment")
	defer span.End()
	span.SetAttributes(attribute.Int64("booking_id", bookingID), attribute.Int("option", optionIndex))

	result, err := n.processPayment(ctx, identity, bookingID, optionIndex, paymentRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Kind(err))
		return nil, err
	}
	return result, nil
}

func (n *Negotiator) processPayment(ctx context.Context, identity string, bookingID int64, optionIndex int, paymentRef string) (*ExtensionCompleted, error) {
	unlock := n.locks.Lock(bookingKey(bookingID))
	defer unlock()

	booking, err := n.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if identity != booking.UserID {
		return nil, fmt.Errorf("%w: only the client may pay for an extension", domain.ErrNotAuthorized)
	}
	if !messagingOpen(booking) {
		return nil, fmt.Errorf("%w: booking %d is %s", domain.ErrSessionNotActive, bookingID, booking.Status)
	}
	if booking.ExtensionUsed {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrExtensionAlreadyUsed, bookingID)
	}
	state, err := n.state(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if state.Used {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrExtensionAlreadyUsed, bookingID)
	}
	if state.Phase != models.PhasePaymentPending || state.Offer == nil {
		return nil, fmt.Errorf("%w: extension is %s", domain.ErrInvalidTransition, state.Phase)
	}
	if state.Offer.OptionIndex != optionIndex {
		return nil, fmt.Errorf("%w: option %d was not accepted", domain.ErrValidation, optionIndex)
	}

	slot, err := n.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return nil, err
	}
	option, ok := slot.Option(optionIndex)
	if !ok {
		return nil, fmt.Errorf("%w: unknown extension option %d", domain.ErrValidation, optionIndex)
	}
	start, end, err := slot.Window()
	if err != nil {
		return nil, err
	}
	newEnd, err := extendedEnd(slot, end, option)
	if err != nil {
		return nil, err
	}
	now := n.now().UTC()
	if !newEnd.After(now) {
		// nothing left to buy; drop the handshake before charging
		state.UpdatedAt = now
		if err := n.reset(ctx, state); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: extended end %s has already passed", domain.ErrSessionNotActive, newEnd.Format(models.ClockLayout))
	}

	if err := n.verify(ctx, domain.PaymentRequest{
		BookingID: bookingID,
		UserID:    booking.UserID,
		Amount:    option.Cost,
		Reference: paymentRef,
	}); err != nil {
		n.logger.Warn().Err(err).Int64("booking_id", bookingID).Msg("extension payment failed")
		return nil, err
	}

	if err := n.repo.ApplyExtension(ctx, bookingID, slot.ID, slot.EndTime, newEnd.Format(models.ClockLayout)); err != nil {
		return nil, err
	}

	if !n.registry.SetEnd(bookingID, newEnd) {
		sess, err := n.repo.GetSessionByBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		n.registry.Put(Entry{
			BookingID:  bookingID,
			SessionID:  sess.ID,
			SlotID:     slot.ID,
			UserID:     booking.UserID,
			ProviderID: booking.ProviderID,
			Start:      start,
			End:        newEnd,
		})
	}

	state.Used = true
	state.Phase = models.PhaseApplied
	state.UpdatedAt = now
	if err := n.store.SetExtension(ctx, state); err != nil {
		// bookings.extension_used already blocks a second grant
		n.logger.Warn().Err(err).Int64("booking_id", bookingID).Msg("failed to save applied extension state")
	}
	metrics.IncExtensionPhase(models.PhaseApplied)

	done := &ExtensionCompleted{
		BookingID:        bookingID,
		NewEndTime:       newEnd,
		MinutesRemaining: minutesRemaining(newEnd, now),
	}
	n.rooms.Broadcast(bookingID, Event{Name: EventExtensionCompleted, Data: done})

	payload := events.BookingEventPayload{
		BookingID:  bookingID,
		SlotID:     slot.ID,
		UserID:     booking.UserID,
		ProviderID: booking.ProviderID,
		Status:     booking.Status,
		Date:       slot.Date,
		StartTime:  slot.StartTime,
		EndTime:    newEnd.Format(models.ClockLayout),
		ChangedBy:  identity,
		OccurredAt: now,
	}
	if err := n.eventBus.PublishJSON(events.EventExtensionCompleted, payload); err != nil {
		n.logger.Warn().Err(err).Msg("failed to publish extension event")
	}
	n.logger.Info().Int64("booking_id", bookingID).Time("new_end", newEnd).Msg("extension applied")
	return done, nil
}

func (n *Negotiator) verify(ctx context.Context, req domain.PaymentRequest) error {
	if n.payments == nil {
		return fmt.Errorf("%w: no payment provider configured", domain.ErrPaymentFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, n.payTimeout)
	defer cancel()

	err := n.payments.Verify(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrPaymentFailed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: payment verification timed out", domain.ErrPaymentFailed)
	default:
		return fmt.Errorf("%w: %v", domain.ErrPaymentFailed, err)
	}
}

// requestAllowed: accepted bookings until shortly after the end, and bookings the sweeper just
// closed within the same grace.
func (n *Negotiator) requestAllowed(b *models.Booking, end, now time.Time) bool {
	if now.After(end.Add(n.requestGrace)) {
		return false
	}
	if b.Status == models.StatusAccepted {
		return true
	}
	return b.Status == models.StatusCompleted && b.CompletedBy == models.SystemActor
}

// reset drops a pending offer and returns the handshake to idle.
func (n *Negotiator) reset(ctx context.Context, state *models.ExtensionState) error {
	state.Phase = models.PhaseIdle
	state.Offer = nil
	if err := n.store.SetExtension(ctx, state); err != nil {
		return fmt.Errorf("failed to save extension state: %w", err)
	}
	metrics.IncExtensionPhase(models.PhaseIdle)
	return nil
}

// extendedEnd is the slot end after applying option. Extensions never cross midnight.
func extendedEnd(slot *models.Slot, end time.Time, option models.ExtensionOption) (time.Time, error) {
	newEnd := end.Add(time.Duration(option.DurationMinutes) * time.Minute)
	if newEnd.Format(models.DateLayout) != slot.Date {
		return time.Time{}, fmt.Errorf("%w: extension would run past midnight", domain.ErrValidation)
	}
	return newEnd, nil
}

// state loads the handshake record. A lost record starts over as idle.
func (n *Negotiator) state(ctx context.Context, bookingID int64) (*models.ExtensionState, error) {
	state, err := n.store.GetExtension(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load extension state: %w", err)
	}
	if state == nil {
		return models.NewExtensionState(bookingID), nil
	}
	if state.Phase == "" {
		state.Phase = models.PhaseIdle
	}
	return state, nil
}

func bookingKey(bookingID int64) string {
	return fmt.Sprintf("booking:%d", bookingID)
}
