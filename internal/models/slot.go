package models

import (
	"fmt"
	"time"
)

// ExtensionOption is a purchasable lengthening of a session offered by the slot's provider.
type ExtensionOption struct {
	DurationMinutes int     `json:"duration_minutes" yaml:"duration_minutes" validate:"gt=0"`
	Cost            float64 `json:"cost" yaml:"cost" validate:"gte=0"`
}

type Slot struct {
	ID               int64             `json:"id"`
	ProviderID       string            `json:"provider_id"`
	Date             string            `json:"date"`       // 2006-01-02
	StartTime        string            `json:"start_time"` // 15:04, UTC wall clock
	EndTime          string            `json:"end_time"`
	Kind             string            `json:"kind"` // chat, audio
	Price            float64           `json:"price"`
	Status           string            `json:"status"` // open, completed
	IsBooked         bool              `json:"is_booked"`
	BookedByID       string            `json:"booked_by_id,omitempty"`
	BookingID        int64             `json:"booking_id,omitempty"`
	ExtensionOptions []ExtensionOption `json:"extension_options"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Window returns the slot interval as UTC instants. Slot wall-clock values are always UTC.
func (s *Slot) Window() (time.Time, time.Time, error) {
	start, err := CombineUTC(s.Date, s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := CombineUTC(s.Date, s.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// Option returns the extension option at index, if any.
func (s *Slot) Option(index int) (ExtensionOption, bool) {
	if index < 0 || index >= len(s.ExtensionOptions) {
		return ExtensionOption{}, false
	}
	return s.ExtensionOptions[index], true
}

// CombineUTC joins a calendar day and an HH:MM clock value into a UTC instant.
func CombineUTC(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+ClockLayout, date+" "+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot time %s %s: %w", date, clock, err)
	}
	return t, nil
}

// Overlaps reports whether half-open intervals [aStart, aEnd) and [bStart, bEnd) intersect.
// Values are HH:MM strings of the same day, so lexicographic order is chronological.
func Overlaps(aStart, aEnd, bStart, bEnd string) bool {
	return aStart < bEnd && bStart < aEnd
}
