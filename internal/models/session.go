package models

import "time"

type Session struct {
	ID         int64      `json:"id"`
	BookingID  int64      `json:"booking_id"`
	UserID     string     `json:"user_id"`
	ProviderID string     `json:"provider_id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"` // scheduled, in-progress, completed, cancelled
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Message is one transcript entry. Transcripts are append-only and ordered by ID.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	SenderID  string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionView is the session together with its slot and transcript.
type SessionView struct {
	Session    *Session  `json:"session"`
	Slot       *Slot     `json:"slot"`
	Transcript []Message `json:"transcript"`
}
