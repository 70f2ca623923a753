package service

import (
	"fmt"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SlotInput carries the provider-editable fields of a slot.
type SlotInput struct {
	Date             string                   `json:"date" validate:"required"`
	StartTime        string                   `json:"start_time" validate:"required,len=5"`
	EndTime          string                   `json:"end_time" validate:"required,len=5"`
	Kind             string                   `json:"kind" validate:"required,oneof=chat audio"`
	Price            float64                  `json:"price" validate:"gte=0"`
	ExtensionOptions []models.ExtensionOption `json:"extension_options" validate:"dive"`
}

func validateSlotInput(in SlotInput) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if _, err := time.Parse(models.DateLayout, in.Date); err != nil {
		return fmt.Errorf("%w: invalid date %q", domain.ErrValidation, in.Date)
	}
	if err := validateClock(in.StartTime); err != nil {
		return err
	}
	if err := validateClock(in.EndTime); err != nil {
		return err
	}
	// HH:MM values compare chronologically as strings
	if in.EndTime <= in.StartTime {
		return fmt.Errorf("%w: end time %s must be after start time %s", domain.ErrValidation, in.EndTime, in.StartTime)
	}
	return nil
}

func validateClock(v string) error {
	if len(v) != len(models.ClockLayout) {
		return fmt.Errorf("%w: invalid time %q", domain.ErrValidation, v)
	}
	if _, err := time.Parse(models.ClockLayout, v); err != nil {
		return fmt.Errorf("%w: invalid time %q", domain.ErrValidation, v)
	}
	return nil
}

func validateDate(v string) error {
	if _, err := time.Parse(models.DateLayout, v); err != nil {
		return fmt.Errorf("%w: invalid date %q", domain.ErrValidation, v)
	}
	return nil
}
