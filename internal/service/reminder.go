package service

import (
	"context"
	"fmt"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/models"

	"github.com/rs/zerolog"
)

type reminderSource interface {
	ListBookingsOnDate(ctx context.Context, date string, statuses ...string) ([]*models.BookingView, error)
}

// Reminder sends both participants a note the day before an accepted session.
type Reminder struct {
	repo   reminderSource
	tasks  domain.TaskEnqueuer
	hour   int
	minute int
	logger *zerolog.Logger
	now    func() time.Time
}

// NewReminder parses at as HH:MM (UTC).
func NewReminder(repo reminderSource, tasks domain.TaskEnqueuer, at string, logger *zerolog.Logger) (*Reminder, error) {
	t, err := time.Parse(models.ClockLayout, at)
	if err != nil {
		return nil, fmt.Errorf("invalid reminder time %q: %w", at, err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reminder{
		repo:   repo,
		tasks:  tasks,
		hour:   t.Hour(),
		minute: t.Minute(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source. Tests only.
func (r *Reminder) SetClock(now func() time.Time) {
	r.now = now
}

// Start blocks until ctx is done, firing once a day at the configured time.
func (r *Reminder) Start(ctx context.Context) {
	timer := time.NewTimer(r.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n, err := r.SendTomorrow(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reminder run failed")
			} else {
				r.logger.Info().Int("bookings", n).Msg("reminders enqueued")
			}
			timer.Reset(r.untilNext())
		}
	}
}

// SendTomorrow enqueues reminders for accepted bookings on the next calendar day
// and returns how many bookings were covered.
func (r *Reminder) SendTomorrow(ctx context.Context) (int, error) {
	date := r.now().UTC().AddDate(0, 0, 1).Format(models.DateLayout)
	views, err := r.repo.ListBookingsOnDate(ctx, date, models.StatusAccepted)
	if err != nil {
		return 0, fmt.Errorf("list bookings on %s: %w", date, err)
	}

	for _, v := range views {
		body := reminderBody(v)
		for _, recipient := range []string{v.UserID, v.ProviderID} {
			n := models.Notification{Recipient: recipient, Subject: "Session reminder", Body: body}
			if err := r.tasks.EnqueueNotification(ctx, v.ID, n); err != nil {
				r.logger.Error().Err(err).Int64("booking_id", v.ID).Str("recipient", recipient).Msg("reminder enqueue error")
			}
		}
	}
	return len(views), nil
}

func (r *Reminder) untilNext() time.Duration {
	now := r.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), r.hour, r.minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func reminderBody(v *models.BookingView) string {
	return fmt.Sprintf("Reminder: %s session #%d tomorrow (%s) %s-%s UTC.", v.Kind, v.ID, v.Date, v.StartTime, v.EndTime)
}
