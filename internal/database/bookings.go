package database

import (
	"context"
	"database/sql"
	"fmt"

	"counselbook/internal/domain"
	"counselbook/internal/models"
)

const bookingColumns = `b.id, b.user_id, b.provider_id, b.slot_id, b.kind, b.status, b.payment_status,
	b.session_id, b.notes, b.reason, b.rating, b.feedback_comment, b.feedback_at, b.completed_by,
	b.extension_used, b.created_at, b.updated_at, b.version`

func bookingDest(b *models.Booking, sessionID *sql.NullInt64) []interface{} {
	return []interface{}{
		&b.ID, &b.UserID, &b.ProviderID, &b.SlotID, &b.Kind, &b.Status, &b.PaymentStatus,
		sessionID, &b.Notes, &b.Reason, &b.Rating, &b.FeedbackComment, &b.FeedbackAt, &b.CompletedBy,
		&b.ExtensionUsed, &b.CreatedAt, &b.UpdatedAt, &b.Version,
	}
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	var sessionID sql.NullInt64
	if err := row.Scan(bookingDest(&b, &sessionID)...); err != nil {
		return nil, err
	}
	b.SessionID = sessionID.Int64
	return &b, nil
}

// CreateBookingWithClaim inserts a pending booking and claims its slot in one transaction.
// If the slot was claimed concurrently nothing is persisted and ErrSlotConflict is returned.
func (db *DB) CreateBookingWithClaim(ctx context.Context, booking *models.Booking) error {
	now := db.now()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO bookings (
					user_id, provider_id, slot_id, kind, status, payment_status, notes,
					created_at, updated_at, version
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
		result, err := tx.ExecContext(ctx, query,
			booking.UserID, booking.ProviderID, booking.SlotID, booking.Kind,
			models.StatusPending, models.PaymentPending, booking.Notes, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking in tx: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id in tx: %w", err)
		}

		if err := db.claimSlot(ctx, tx, booking.SlotID, id, booking.UserID); err != nil {
			return err
		}

		booking.ID = id
		booking.Status = models.StatusPending
		booking.PaymentStatus = models.PaymentPending
		booking.CreatedAt = now
		booking.UpdatedAt = now
		booking.Version = 1
		return nil
	})
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return getBooking(ctx, db, id)
}

func getBooking(ctx context.Context, ex execer, id int64) (*models.Booking, error) {
	booking, err := scanBooking(ex.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = ?`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: booking %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return booking, nil
}

// ListActiveBookingWindows returns the slot intervals of a user's pending and accepted bookings on date.
func (db *DB) ListActiveBookingWindows(ctx context.Context, userID, date string) ([]models.BookingWindow, error) {
	query := `SELECT b.id, s.id, s.date, s.start_time, s.end_time
	          FROM bookings b JOIN slots s ON s.id = b.slot_id
	          WHERE b.user_id = ? AND s.date = ? AND b.status IN (?, ?)
	          ORDER BY s.start_time`
	rows, err := db.QueryContext(ctx, query, userID, date, models.StatusPending, models.StatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bookings: %w", err)
	}
	defer rows.Close()

	var windows []models.BookingWindow
	for rows.Next() {
		var w models.BookingWindow
		if err := rows.Scan(&w.BookingID, &w.SlotID, &w.Date, &w.StartTime, &w.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan booking window: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func (db *DB) ListUserBookings(ctx context.Context, userID string) ([]*models.BookingView, error) {
	query := `SELECT ` + bookingColumns + `, s.date, s.start_time, s.end_time, s.price
	          FROM bookings b JOIN slots s ON s.id = b.slot_id
	          WHERE b.user_id = ?
	          ORDER BY s.date DESC, s.start_time DESC`
	return db.queryBookingViews(ctx, query, userID)
}

// ListProviderBookings returns a provider's bookings with slot dates in [fromDate, toDate].
func (db *DB) ListProviderBookings(ctx context.Context, providerID, fromDate, toDate string) ([]*models.BookingView, error) {
	query := `SELECT ` + bookingColumns + `, s.date, s.start_time, s.end_time, s.price
	          FROM bookings b JOIN slots s ON s.id = b.slot_id
	          WHERE b.provider_id = ? AND s.date >= ? AND s.date <= ?
	          ORDER BY s.date ASC, s.start_time ASC`
	return db.queryBookingViews(ctx, query, providerID, fromDate, toDate)
}

// ListBookingsOnDate returns bookings in one of statuses whose slot falls on date.
func (db *DB) ListBookingsOnDate(ctx context.Context, date string, statuses ...string) ([]*models.BookingView, error) {
	if len(statuses) == 0 {
		return []*models.BookingView{}, nil
	}
	query := `SELECT ` + bookingColumns + `, s.date, s.start_time, s.end_time, s.price
	          FROM bookings b JOIN slots s ON s.id = b.slot_id
	          WHERE s.date = ? AND b.status IN (` + placeholders(len(statuses)) + `)
	          ORDER BY s.start_time ASC`
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, date)
	for _, st := range statuses {
		args = append(args, st)
	}
	return db.queryBookingViews(ctx, query, args...)
}

func (db *DB) queryBookingViews(ctx context.Context, query string, args ...interface{}) ([]*models.BookingView, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	views := make([]*models.BookingView, 0)
	for rows.Next() {
		v := &models.BookingView{}
		var sessionID sql.NullInt64
		dest := append(bookingDest(&v.Booking, &sessionID), &v.Date, &v.StartTime, &v.EndTime, &v.Price)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		v.SessionID = sessionID.Int64
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	return views, nil
}

// transition moves a booking from one of fromStatuses to status under the optimistic version check.
func (db *DB) transition(ctx context.Context, ex execer, id, fromVersion int64, status, reason string, fromStatuses ...string) error {
	query := `UPDATE bookings SET status = ?, reason = ?, version = version + 1, updated_at = ?
	          WHERE id = ? AND version = ? AND status IN (` + placeholders(len(fromStatuses)) + `)`
	args := []interface{}{status, reason, db.now(), id, fromVersion}
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: booking %d version %d", domain.ErrConcurrentModification, id, fromVersion)
	}
	return nil
}

// AcceptBooking moves a pending booking to accepted and creates its single session.
func (db *DB) AcceptBooking(ctx context.Context, id, fromVersion int64) (*models.Session, error) {
	var session *models.Session
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.transition(ctx, tx, id, fromVersion, models.StatusAccepted, "", models.StatusPending); err != nil {
			return err
		}
		booking, err := getBooking(ctx, tx, id)
		if err != nil {
			return err
		}

		now := db.now()
		insert := `INSERT INTO sessions (booking_id, user_id, provider_id, kind, status, created_at, updated_at)
		           VALUES (?, ?, ?, ?, ?, ?, ?)
		           ON CONFLICT(booking_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert,
			booking.ID, booking.UserID, booking.ProviderID, booking.Kind, models.SessionScheduled, now, now,
		); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		session, err = getSessionByBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bookings SET session_id = ? WHERE id = ?`, session.ID, id); err != nil {
			return fmt.Errorf("failed to link session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// RejectBooking rejects a pending booking, stores the reason and releases the slot.
func (db *DB) RejectBooking(ctx context.Context, id, fromVersion int64, reason string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.transition(ctx, tx, id, fromVersion, models.StatusRejected, reason, models.StatusPending); err != nil {
			return err
		}
		return db.releaseSlotOf(ctx, tx, id)
	})
}

// CancelBooking cancels a pending or accepted booking, releases the slot and cancels an open session.
func (db *DB) CancelBooking(ctx context.Context, id, fromVersion int64, reason string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.transition(ctx, tx, id, fromVersion, models.StatusCancelled, reason,
			models.StatusPending, models.StatusAccepted); err != nil {
			return err
		}
		if err := db.releaseSlotOf(ctx, tx, id); err != nil {
			return err
		}
		query := `UPDATE sessions SET status = ?, ended_at = ?, updated_at = ?
		          WHERE booking_id = ? AND status IN (?, ?)`
		now := db.now()
		if _, err := tx.ExecContext(ctx, query, models.SessionCancelled, now, now, id,
			models.SessionScheduled, models.SessionInProgress); err != nil {
			return fmt.Errorf("failed to cancel session: %w", err)
		}
		return nil
	})
}

// CompleteBooking completes an accepted booking together with its session and slot.
// It reports false without error when the booking was already completed.
func (db *DB) CompleteBooking(ctx context.Context, id int64, actorID string) (bool, error) {
	changed := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.now()
		query := `UPDATE bookings SET status = ?, completed_by = ?, version = version + 1, updated_at = ?
		          WHERE id = ? AND status = ?`
		result, err := tx.ExecContext(ctx, query, models.StatusCompleted, actorID, now, id, models.StatusAccepted)
		if err != nil {
			return fmt.Errorf("failed to complete booking: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			current, err := getBooking(ctx, tx, id)
			if err != nil {
				return err
			}
			if current.Status == models.StatusCompleted {
				return nil
			}
			return fmt.Errorf("%w: booking %d is %s", domain.ErrInvalidTransition, id, current.Status)
		}

		sessionQuery := `UPDATE sessions SET status = ?, ended_at = ?, updated_at = ?
		                 WHERE booking_id = ? AND status IN (?, ?)`
		if _, err := tx.ExecContext(ctx, sessionQuery, models.SessionCompleted, now, now, id,
			models.SessionScheduled, models.SessionInProgress); err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE slots SET status = ?, updated_at = ? WHERE booking_id = ?`,
			models.SlotCompleted, now, id); err != nil {
			return fmt.Errorf("failed to complete slot: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// SubmitFeedback stores the one-time rating of a completed booking.
func (db *DB) SubmitFeedback(ctx context.Context, id int64, rating int, comment string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.now()
		query := `UPDATE bookings SET rating = ?, feedback_comment = ?, feedback_at = ?, version = version + 1, updated_at = ?
		          WHERE id = ? AND status = ? AND feedback_at IS NULL`
		result, err := tx.ExecContext(ctx, query, rating, comment, now, now, id, models.StatusCompleted)
		if err != nil {
			return fmt.Errorf("failed to submit feedback: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		current, err := getBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.FeedbackAt != nil {
			return fmt.Errorf("%w: booking %d", domain.ErrFeedbackAlreadySubmitted, id)
		}
		return fmt.Errorf("%w: booking %d is %s", domain.ErrInvalidTransition, id, current.Status)
	})
}

// ApplyExtension marks the booking's extension as used and moves the slot end in one transaction.
func (db *DB) ApplyExtension(ctx context.Context, bookingID, slotID int64, fromEnd, newEnd string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE bookings SET extension_used = 1, version = version + 1, updated_at = ?
		          WHERE id = ? AND extension_used = 0`
		result, err := tx.ExecContext(ctx, query, db.now(), bookingID)
		if err != nil {
			return fmt.Errorf("failed to mark extension used: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: booking %d", domain.ErrExtensionAlreadyUsed, bookingID)
		}
		return db.extendSlotEnd(ctx, tx, slotID, fromEnd, newEnd)
	})
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
