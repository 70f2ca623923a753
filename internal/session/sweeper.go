package session

import (
	"context"
	"errors"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/events"
	"counselbook/internal/metrics"
	"counselbook/internal/models"

	"github.com/rs/zerolog"
)

const sessionEndedMessage = "The session time is over"

// Sweeper closes sessions whose end has passed.
type Sweeper struct {
	registry  *Registry
	rooms     *Coordinator
	completer domain.BookingCompleter
	eventBus  domain.EventPublisher
	interval  time.Duration
	logger    *zerolog.Logger
	now       func() time.Time
}

func NewSweeper(registry *Registry, rooms *Coordinator, completer domain.BookingCompleter, eventBus domain.EventPublisher, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if eventBus == nil {
		eventBus = events.NewEventBus()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Sweeper{
		registry:  registry,
		rooms:     rooms,
		completer: completer,
		eventBus:  eventBus,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Session sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep completes every expired session once and returns how many were closed. Entries are
// removed from the registry before anything else, so overlapping sweeps never see the same one.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now().UTC()
	closed := 0
	for _, e := range s.registry.TakeExpired(now) {
		if s.close(ctx, e, now) {
			closed++
		}
	}
	return closed
}

func (s *Sweeper) close(ctx context.Context, e Entry, now time.Time) bool {
	unlock := s.rooms.locks.Lock(bookingKey(e.BookingID))
	defer unlock()

	// an extension paid after the entry was taken puts it back with the new end
	if current, ok := s.registry.Get(e.BookingID); ok && current.End.After(now) {
		return false
	}

	booking, err := s.completer.MarkCompleted(ctx, e.BookingID, models.SystemActor)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			s.logger.Info().Err(err).Int64("booking_id", e.BookingID).Msg("Expired session no longer active, dropping")
			return false
		}
		s.logger.Error().Err(err).Int64("booking_id", e.BookingID).Msg("Failed to complete expired session, will retry")
		s.registry.Put(e)
		return false
	}
	if booking.CompletedBy != models.SystemActor {
		// Finish got there first and already told the room
		s.logger.Info().Int64("booking_id", e.BookingID).Str("completed_by", booking.CompletedBy).Msg("Expired session already finished")
		return false
	}

	_, failed := s.rooms.Broadcast(e.BookingID, Event{Name: EventSessionEnded, Data: SessionEnded{
		BookingID: e.BookingID,
		Message:   sessionEndedMessage,
	}})
	if failed > 0 {
		s.logger.Warn().Int64("booking_id", e.BookingID).Int("failed", failed).Msg("Session end not delivered to every member")
	}

	payload := events.BookingEventPayload{
		BookingID:  e.BookingID,
		SlotID:     e.SlotID,
		UserID:     e.UserID,
		ProviderID: e.ProviderID,
		Status:     booking.Status,
		ChangedBy:  models.SystemActor,
		OccurredAt: now,
	}
	if err := s.eventBus.PublishJSON(events.EventSessionEnded, payload); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish session end")
	}
	metrics.IncSwept()
	s.logger.Info().Int64("booking_id", e.BookingID).Time("end", e.End).Msg("Expired session closed")
	return true
}
