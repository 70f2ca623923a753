package service

import (
	"context"
	"fmt"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/events"
	"counselbook/internal/models"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type SlotService struct {
	repo     domain.SlotRepository
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewSlotService(repo domain.SlotRepository, eventBus domain.EventPublisher, logger *zerolog.Logger) *SlotService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if eventBus == nil {
		eventBus = events.NewEventBus()
	}
	return &SlotService{
		repo:     repo,
		eventBus: eventBus,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Tests only.
func (s *SlotService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SlotService) Create(ctx context.Context, providerID string, in SlotInput) (*models.Slot, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider is required", domain.ErrValidation)
	}
	if err := validateSlotInput(in); err != nil {
		return nil, err
	}

	slot := &models.Slot{
		ProviderID:       providerID,
		Date:             in.Date,
		StartTime:        in.StartTime,
		EndTime:          in.EndTime,
		Kind:             in.Kind,
		Price:            in.Price,
		ExtensionOptions: in.ExtensionOptions,
	}
	if slot.ExtensionOptions == nil {
		slot.ExtensionOptions = []models.ExtensionOption{}
	}
	if err := s.repo.CreateSlot(ctx, slot); err != nil {
		return nil, err
	}

	s.logger.Info().Int64("slot_id", slot.ID).Str("provider_id", providerID).
		Str("date", slot.Date).Str("start", slot.StartTime).Str("end", slot.EndTime).Msg("slot created")
	if err := s.eventBus.PublishJSON(events.EventSlotCreated, slot); err != nil {
		s.logger.Error().Err(err).Int64("slot_id", slot.ID).Msg("publish event error")
	}
	return slot, nil
}

func (s *SlotService) Get(ctx context.Context, id int64) (*models.Slot, error) {
	return s.repo.GetSlot(ctx, id)
}

// ListAvailable returns unbooked slots of the provider dated fromDate or later.
func (s *SlotService) ListAvailable(ctx context.Context, providerID, fromDate string) ([]*models.Slot, error) {
	if err := validateDate(fromDate); err != nil {
		return nil, err
	}
	return s.repo.ListAvailableSlots(ctx, providerID, fromDate)
}

// ListBookable is the public listing: available slots from today on, minus today's slots
// that have already started.
func (s *SlotService) ListBookable(ctx context.Context, providerID string) ([]*models.Slot, error) {
	now := s.now()
	today := now.Format(models.DateLayout)
	clock := now.Format(models.ClockLayout)

	slots, err := s.repo.ListAvailableSlots(ctx, providerID, today)
	if err != nil {
		return nil, err
	}
	return lo.Filter(slots, func(slot *models.Slot, _ int) bool {
		return slot.Date != today || slot.StartTime > clock
	}), nil
}

func (s *SlotService) ListOwn(ctx context.Context, providerID string) ([]*models.Slot, error) {
	return s.repo.ListProviderSlots(ctx, providerID)
}

// Update rewrites an unbooked slot. Only the owning provider may change it.
func (s *SlotService) Update(ctx context.Context, providerID string, id int64, in SlotInput) (*models.Slot, error) {
	slot, err := s.ownedSlot(ctx, providerID, id)
	if err != nil {
		return nil, err
	}
	if err := validateSlotInput(in); err != nil {
		return nil, err
	}

	slot.Date = in.Date
	slot.StartTime = in.StartTime
	slot.EndTime = in.EndTime
	slot.Kind = in.Kind
	slot.Price = in.Price
	slot.ExtensionOptions = in.ExtensionOptions
	if slot.ExtensionOptions == nil {
		slot.ExtensionOptions = []models.ExtensionOption{}
	}
	if err := s.repo.UpdateSlot(ctx, slot); err != nil {
		return nil, err
	}
	return s.repo.GetSlot(ctx, id)
}

func (s *SlotService) Delete(ctx context.Context, providerID string, id int64) error {
	if _, err := s.ownedSlot(ctx, providerID, id); err != nil {
		return err
	}
	if err := s.repo.DeleteSlot(ctx, id, providerID); err != nil {
		return err
	}
	s.logger.Info().Int64("slot_id", id).Str("provider_id", providerID).Msg("slot deleted")
	return nil
}

func (s *SlotService) ownedSlot(ctx context.Context, providerID string, id int64) (*models.Slot, error) {
	slot, err := s.repo.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	if slot.ProviderID != providerID {
		return nil, fmt.Errorf("%w: slot %d belongs to another provider", domain.ErrNotAuthorized, id)
	}
	if slot.IsBooked {
		return nil, fmt.Errorf("%w: slot %d is booked", domain.ErrSlotUnavailable, id)
	}
	return slot, nil
}

// MarkBooked, Release and ExtendEndTime are the bare slot CAS updates, outside any booking tx.

// MarkBooked claims the slot for a booking. A concurrent claim yields ErrSlotConflict.
func (s *SlotService) MarkBooked(ctx context.Context, slotID, bookingID int64, userID string) error {
	return s.repo.MarkSlotBooked(ctx, slotID, bookingID, userID)
}

func (s *SlotService) Release(ctx context.Context, slotID int64) error {
	return s.repo.ReleaseSlot(ctx, slotID)
}

// ExtendEndTime moves the slot end from fromEnd to newEnd if nobody moved it first.
func (s *SlotService) ExtendEndTime(ctx context.Context, slotID int64, fromEnd, newEnd string) error {
	if err := validateClock(newEnd); err != nil {
		return err
	}
	if newEnd <= fromEnd {
		return fmt.Errorf("%w: new end %s must be after %s", domain.ErrValidation, newEnd, fromEnd)
	}
	return s.repo.ExtendSlotEnd(ctx, slotID, fromEnd, newEnd)
}
