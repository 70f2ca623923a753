package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"counselbook/internal/domain"
	"counselbook/internal/models"
)

const slotColumns = `id, provider_id, date, start_time, end_time, kind, price, status,
	is_booked, booked_by_id, booking_id, extension_options, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSlot(row rowScanner) (*models.Slot, error) {
	var (
		s        models.Slot
		bookedBy sql.NullString
		booking  sql.NullInt64
		options  string
	)
	err := row.Scan(
		&s.ID, &s.ProviderID, &s.Date, &s.StartTime, &s.EndTime, &s.Kind, &s.Price, &s.Status,
		&s.IsBooked, &bookedBy, &booking, &options, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.BookedByID = bookedBy.String
	s.BookingID = booking.Int64
	if err := json.Unmarshal([]byte(options), &s.ExtensionOptions); err != nil {
		return nil, fmt.Errorf("failed to decode extension options of slot %d: %w", s.ID, err)
	}
	return &s, nil
}

func encodeOptions(opts []models.ExtensionOption) (string, error) {
	if opts == nil {
		opts = []models.ExtensionOption{}
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode extension options: %w", err)
	}
	return string(data), nil
}

func (db *DB) CreateSlot(ctx context.Context, slot *models.Slot) error {
	options, err := encodeOptions(slot.ExtensionOptions)
	if err != nil {
		return err
	}
	now := db.now()
	query := `INSERT INTO slots (provider_id, date, start_time, end_time, kind, price, status,
	                             is_booked, extension_options, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		slot.ProviderID, slot.Date, slot.StartTime, slot.EndTime, slot.Kind, slot.Price,
		models.SlotOpen, options, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	slot.ID = id
	slot.Status = models.SlotOpen
	slot.IsBooked = false
	slot.BookedByID = ""
	slot.BookingID = 0
	slot.CreatedAt = now
	slot.UpdatedAt = now
	return nil
}

func (db *DB) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	return getSlot(ctx, db, id)
}

func getSlot(ctx context.Context, ex execer, id int64) (*models.Slot, error) {
	slot, err := scanSlot(ex.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: slot %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// ListAvailableSlots returns open, unbooked slots of a provider dated fromDate or later, ordered by date and start.
func (db *DB) ListAvailableSlots(ctx context.Context, providerID, fromDate string) ([]*models.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots
	          WHERE provider_id = ? AND is_booked = 0 AND status = ? AND date >= ?
	          ORDER BY date ASC, start_time ASC`
	return db.querySlots(ctx, query, providerID, models.SlotOpen, fromDate)
}

func (db *DB) ListProviderSlots(ctx context.Context, providerID string) ([]*models.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE provider_id = ? ORDER BY date ASC, start_time ASC`
	return db.querySlots(ctx, query, providerID)
}

func (db *DB) querySlots(ctx context.Context, query string, args ...interface{}) ([]*models.Slot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	slots := make([]*models.Slot, 0)
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate slots: %w", err)
	}
	return slots, nil
}

// UpdateSlot rewrites the schedule fields of an unbooked slot owned by slot.ProviderID.
func (db *DB) UpdateSlot(ctx context.Context, slot *models.Slot) error {
	options, err := encodeOptions(slot.ExtensionOptions)
	if err != nil {
		return err
	}
	query := `UPDATE slots SET date = ?, start_time = ?, end_time = ?, kind = ?, price = ?,
	                 extension_options = ?, updated_at = ?
	          WHERE id = ? AND provider_id = ? AND is_booked = 0 AND status = ?`
	result, err := db.ExecContext(ctx, query,
		slot.Date, slot.StartTime, slot.EndTime, slot.Kind, slot.Price, options, db.now(),
		slot.ID, slot.ProviderID, models.SlotOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: slot %d is booked or not owned", domain.ErrSlotUnavailable, slot.ID)
	}
	return nil
}

// DeleteSlot removes an unbooked slot that no booking has ever referenced.
func (db *DB) DeleteSlot(ctx context.Context, id int64, providerID string) error {
	query := `DELETE FROM slots
	          WHERE id = ? AND provider_id = ? AND is_booked = 0
	            AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.slot_id = slots.id)`
	result, err := db.ExecContext(ctx, query, id, providerID)
	if err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: slot %d is booked, referenced or not owned", domain.ErrSlotUnavailable, id)
	}
	return nil
}

// MarkSlotBooked claims an unbooked slot for bookingID. A lost race yields ErrSlotConflict.
func (db *DB) MarkSlotBooked(ctx context.Context, slotID, bookingID int64, userID string) error {
	return db.claimSlot(ctx, db, slotID, bookingID, userID)
}

func (db *DB) claimSlot(ctx context.Context, ex execer, slotID, bookingID int64, userID string) error {
	query := `UPDATE slots SET is_booked = 1, booked_by_id = ?, booking_id = ?, updated_at = ?
	          WHERE id = ? AND is_booked = 0 AND status = ?`
	result, err := ex.ExecContext(ctx, query, userID, bookingID, db.now(), slotID, models.SlotOpen)
	if err != nil {
		return fmt.Errorf("failed to claim slot: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: slot %d", domain.ErrSlotConflict, slotID)
	}
	return nil
}

// ReleaseSlot clears the booking claim on a slot.
func (db *DB) ReleaseSlot(ctx context.Context, slotID int64) error {
	query := `UPDATE slots SET is_booked = 0, booked_by_id = NULL, booking_id = NULL, updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, db.now(), slotID); err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return nil
}

// releaseSlotOf releases the slot only while it is still claimed by bookingID.
func (db *DB) releaseSlotOf(ctx context.Context, ex execer, bookingID int64) error {
	query := `UPDATE slots SET is_booked = 0, booked_by_id = NULL, booking_id = NULL, updated_at = ? WHERE booking_id = ?`
	if _, err := ex.ExecContext(ctx, query, db.now(), bookingID); err != nil {
		return fmt.Errorf("failed to release slot of booking %d: %w", bookingID, err)
	}
	return nil
}

// ExtendSlotEnd moves end_time from fromEnd to newEnd. It fails with ErrConcurrentModification
// when the stored end no longer equals fromEnd.
func (db *DB) ExtendSlotEnd(ctx context.Context, slotID int64, fromEnd, newEnd string) error {
	return db.extendSlotEnd(ctx, db, slotID, fromEnd, newEnd)
}

func (db *DB) extendSlotEnd(ctx context.Context, ex execer, slotID int64, fromEnd, newEnd string) error {
	query := `UPDATE slots SET end_time = ?, updated_at = ? WHERE id = ? AND end_time = ?`
	result, err := ex.ExecContext(ctx, query, newEnd, db.now(), slotID, fromEnd)
	if err != nil {
		return fmt.Errorf("failed to extend slot: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: slot %d end moved", domain.ErrConcurrentModification, slotID)
	}
	return nil
}
