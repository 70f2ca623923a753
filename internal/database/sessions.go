package database

import (
	"context"
	"fmt"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/models"
)

const sessionColumns = `id, booking_id, user_id, provider_id, kind, status, started_at, ended_at, created_at, updated_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.BookingID, &s.UserID, &s.ProviderID, &s.Kind, &s.Status,
		&s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) GetSessionByBooking(ctx context.Context, bookingID int64) (*models.Session, error) {
	return getSessionByBooking(ctx, db, bookingID)
}

func getSessionByBooking(ctx context.Context, ex execer, bookingID int64) (*models.Session, error) {
	s, err := scanSession(ex.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE booking_id = ?`, bookingID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: session for booking %d", domain.ErrNotFound, bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// StartSession moves a scheduled session to in-progress. Sessions in any other state are left as is.
func (db *DB) StartSession(ctx context.Context, sessionID int64, at time.Time) error {
	query := `UPDATE sessions SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	if _, err := db.ExecContext(ctx, query, models.SessionInProgress, at, db.now(), sessionID, models.SessionScheduled); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

func (db *DB) ListInProgressSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY id`, models.SessionInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AppendMessage adds a transcript entry. Entries are never updated or deleted.
func (db *DB) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = db.now()
	}
	query := `INSERT INTO session_messages (session_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, msg.SessionID, msg.SenderID, msg.Content, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListMessages returns the transcript of a session in append order.
func (db *DB) ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error) {
	query := `SELECT id, session_id, sender_id, content, created_at FROM session_messages WHERE session_id = ? ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
