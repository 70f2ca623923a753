package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"counselbook/internal/config"
	"counselbook/internal/domain"
	"counselbook/internal/events"
	"counselbook/internal/lock"
	"counselbook/internal/metrics"
	"counselbook/internal/models"

	"github.com/rs/zerolog"
)

// JoinResult is returned to a member admitted to a session room.
type JoinResult struct {
	BookingID        int64            `json:"bookingId"`
	SessionID        int64            `json:"sessionId"`
	Room             string           `json:"room"`
	Transcript       []models.Message `json:"transcript"`
	MinutesRemaining int              `json:"minutesRemaining"`
	EndTime          time.Time        `json:"sessionEndTimestamp"`
}

// ChatMessage is the broadcast form of a transcript entry.
type ChatMessage struct {
	BookingID int64     `json:"bookingId"`
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEnded tells the room that the session is over.
type SessionEnded struct {
	BookingID   int64  `json:"bookingId"`
	Message     string `json:"message"`
	EndedByUser bool   `json:"endedByUser,omitempty"`
}

type TypingNotice struct {
	BookingID int64  `json:"bookingId"`
	Identity  string `json:"identity"`
}

// Coordinator admits members to per-booking rooms, relays chat and closes sessions.
// Every member also sits in the channel of its identity for out-of-band events.
type Coordinator struct {
	repo      domain.SessionRepository
	store     domain.ExtensionStore
	completer domain.BookingCompleter
	registry  *Registry
	eventBus  domain.EventPublisher
	locks     *lock.Keyed
	cfg       config.SessionConfig
	logger    *zerolog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	rooms       map[int64]map[string]Member
	identities  map[string]map[string]Member
	memberRooms map[string]map[int64]struct{}
}

func NewCoordinator(
	repo domain.SessionRepository,
	store domain.ExtensionStore,
	completer domain.BookingCompleter,
	registry *Registry,
	eventBus domain.EventPublisher,
	cfg config.SessionConfig,
	logger *zerolog.Logger,
) *Coordinator {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = models.MaxMessageLength
	}
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = models.MessageRateLimit
	}
	if cfg.MessageRateWindow <= 0 {
		cfg.MessageRateWindow = models.MessageRateWindow * time.Second
	}
	if cfg.MessageGrace <= 0 {
		cfg.MessageGrace = 5 * time.Minute
	}
	if eventBus == nil {
		eventBus = events.NewEventBus()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Coordinator{
		repo:        repo,
		store:       store,
		completer:   completer,
		registry:    registry,
		eventBus:    eventBus,
		locks:       lock.NewKeyed(),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		rooms:       make(map[int64]map[string]Member),
		identities:  make(map[string]map[string]Member),
		memberRooms: make(map[string]map[int64]struct{}),
	}
}

func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// RoomName is the public name of a booking's room.
func RoomName(bookingID int64) string {
	return fmt.Sprintf("booking:%d", bookingID)
}

// Join admits m to the room of bookingID. The window is closed on both ends and has no grace.
func (c *Coordinator) Join(ctx context.Context, m Member, bookingID int64) (*JoinResult, error) {
	identity := m.Identity()
	booking, err := c.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsParticipant(identity) {
		return nil, fmt.Errorf("%w: %s is not a participant of booking %d", domain.ErrNotAuthorized, identity, bookingID)
	}
	if !joinable(booking) {
		return nil, fmt.Errorf("%w: booking %d is %s", domain.ErrSessionNotActive, bookingID, booking.Status)
	}

	slot, err := c.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.Kind != models.KindChat {
		return nil, fmt.Errorf("%w: booking %d is not a chat session", domain.ErrValidation, bookingID)
	}
	start, end, err := slot.Window()
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if now.Before(start) {
		return nil, fmt.Errorf("%w: session starts at %s", domain.ErrWindowNotOpen, start.Format(time.RFC3339))
	}
	if now.After(end) {
		return nil, fmt.Errorf("%w: session ended at %s", domain.ErrWindowClosed, end.Format(time.RFC3339))
	}

	sess, err := c.repo.GetSessionByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionScheduled {
		if err := c.repo.StartSession(ctx, sess.ID, now); err != nil {
			return nil, err
		}
		c.publish(events.EventSessionStarted, booking, slot)
	}
	transcript, err := c.repo.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	c.registry.Put(Entry{
		BookingID:  booking.ID,
		SessionID:  sess.ID,
		SlotID:     slot.ID,
		UserID:     booking.UserID,
		ProviderID: booking.ProviderID,
		Start:      start,
		End:        end,
	})
	c.add(m, bookingID)

	c.logger.Info().Int64("booking_id", bookingID).Str("identity", identity).Str("conn_id", m.ID()).Msg("member joined")
	return &JoinResult{
		BookingID:        bookingID,
		SessionID:        sess.ID,
		Room:             RoomName(bookingID),
		Transcript:       transcript,
		MinutesRemaining: minutesRemaining(end, now),
		EndTime:          end,
	}, nil
}

// Send appends content to the transcript and fans it out to the room.
func (c *Coordinator) Send(ctx context.Context, m Member, bookingID int64, content string) (*models.Message, error) {
	if !c.inRoom(bookingID, m.ID()) {
		return nil, fmt.Errorf("%w: not a member of booking %d", domain.ErrNotAuthorized, bookingID)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrValidation)
	}
	if utf8.RuneCountInString(content) > c.cfg.MaxMessageLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", domain.ErrValidation, c.cfg.MaxMessageLength)
	}

	identity := m.Identity()
	allowed, err := c.store.CheckRateLimit(ctx, "chat:"+identity, c.cfg.MessageRateLimit, c.cfg.MessageRateWindow)
	if err != nil {
		c.logger.Warn().Err(err).Str("identity", identity).Msg("rate limit check failed, allowing message")
	} else if !allowed {
		return nil, fmt.Errorf("%w: too many messages", domain.ErrRateLimited)
	}

	booking, err := c.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !messagingOpen(booking) {
		return nil, fmt.Errorf("%w: booking %d is %s", domain.ErrSessionNotActive, bookingID, booking.Status)
	}
	slot, err := c.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return nil, err
	}
	start, end, err := slot.Window()
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if now.Before(start.Add(-c.cfg.MessageGrace)) || now.After(end.Add(c.cfg.MessageGrace)) {
		return nil, fmt.Errorf("%w: outside the messaging window of booking %d", domain.ErrSessionNotActive, bookingID)
	}

	sess, err := c.repo.GetSessionByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{SessionID: sess.ID, SenderID: identity, Content: content, Timestamp: now}
	if err := c.repo.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.IncChatMessage()

	c.Broadcast(bookingID, Event{Name: EventChatMessage, Data: ChatMessage{
		BookingID: bookingID,
		ID:        msg.ID,
		Sender:    msg.SenderID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}})
	return msg, nil
}

// Typing relays a typing notice to the other members of the room.
func (c *Coordinator) Typing(m Member, bookingID int64) error {
	if !c.inRoom(bookingID, m.ID()) {
		return fmt.Errorf("%w: not a member of booking %d", domain.ErrNotAuthorized, bookingID)
	}
	c.broadcastExcept(bookingID, m.ID(), Event{Name: EventTyping, Data: TypingNotice{BookingID: bookingID, Identity: m.Identity()}})
	return nil
}

// Finish ends the session early on behalf of the booking's client.
func (c *Coordinator) Finish(ctx context.Context, m Member, bookingID int64) error {
	unlock := c.locks.Lock(bookingKey(bookingID))
	defer unlock()

	booking, err := c.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if m.Identity() != booking.UserID {
		return fmt.Errorf("%w: only the client may finish booking %d", domain.ErrNotAuthorized, bookingID)
	}
	if _, err := c.completer.CompleteByUser(ctx, bookingID, booking.UserID); err != nil {
		return err
	}

	c.Broadcast(bookingID, Event{Name: EventSessionEnded, Data: SessionEnded{
		BookingID:   bookingID,
		Message:     "Session ended by user",
		EndedByUser: true,
	}})
	c.registry.Evict(bookingID)
	if err := c.store.ClearExtension(ctx, bookingID); err != nil {
		c.logger.Warn().Err(err).Int64("booking_id", bookingID).Msg("failed to clear extension state")
	}
	c.publish(events.EventSessionEnded, booking, nil)
	c.logger.Info().Int64("booking_id", bookingID).Msg("session finished by user")
	return nil
}

// Leave drops m from every room and identity channel.
func (c *Coordinator) Leave(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := m.ID()
	for bookingID := range c.memberRooms[id] {
		room := c.rooms[bookingID]
		delete(room, id)
		if len(room) == 0 {
			delete(c.rooms, bookingID)
		}
	}
	delete(c.memberRooms, id)

	identity := m.Identity()
	if channel, ok := c.identities[identity]; ok {
		if _, joined := channel[id]; joined {
			delete(channel, id)
			metrics.AddConnections(-1)
		}
		if len(channel) == 0 {
			delete(c.identities, identity)
		}
	}
}

// Broadcast delivers ev to every member of the room. Full queues count as failures.
func (c *Coordinator) Broadcast(bookingID int64, ev Event) (delivered, failed int) {
	return deliver(c.members(bookingID, ""), ev)
}

// SendToIdentity delivers ev to every connection of identity.
func (c *Coordinator) SendToIdentity(identity string, ev Event) (delivered, failed int) {
	c.mu.RLock()
	targets := make([]Member, 0, len(c.identities[identity]))
	for _, m := range c.identities[identity] {
		targets = append(targets, m)
	}
	c.mu.RUnlock()
	return deliver(targets, ev)
}

// RoomSize returns the number of connections in the room.
func (c *Coordinator) RoomSize(bookingID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms[bookingID])
}

func (c *Coordinator) broadcastExcept(bookingID int64, exceptID string, ev Event) {
	deliver(c.members(bookingID, exceptID), ev)
}

func (c *Coordinator) members(bookingID int64, exceptID string) []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room := c.rooms[bookingID]
	out := make([]Member, 0, len(room))
	for id, m := range room {
		if id != exceptID {
			out = append(out, m)
		}
	}
	return out
}

func deliver(targets []Member, ev Event) (delivered, failed int) {
	for _, m := range targets {
		if m.Send(ev) {
			delivered++
			continue
		}
		failed++
		metrics.IncDroppedDelivery()
	}
	return delivered, failed
}

func (c *Coordinator) add(m Member, bookingID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := m.ID()
	if c.rooms[bookingID] == nil {
		c.rooms[bookingID] = make(map[string]Member)
	}
	c.rooms[bookingID][id] = m
	if c.memberRooms[id] == nil {
		c.memberRooms[id] = make(map[int64]struct{})
	}
	c.memberRooms[id][bookingID] = struct{}{}

	identity := m.Identity()
	if c.identities[identity] == nil {
		c.identities[identity] = make(map[string]Member)
	}
	if _, ok := c.identities[identity][id]; !ok {
		c.identities[identity][id] = m
		metrics.AddConnections(1)
	}
}

func (c *Coordinator) inRoom(bookingID int64, memberID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[bookingID][memberID]
	return ok
}

func (c *Coordinator) publish(eventType string, b *models.Booking, slot *models.Slot) {
	payload := events.BookingEventPayload{
		BookingID:  b.ID,
		SlotID:     b.SlotID,
		UserID:     b.UserID,
		ProviderID: b.ProviderID,
		Status:     b.Status,
		OccurredAt: c.now().UTC(),
	}
	if slot != nil {
		payload.Date = slot.Date
		payload.StartTime = slot.StartTime
		payload.EndTime = slot.EndTime
	}
	if err := c.eventBus.PublishJSON(eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// joinable reports whether the booking's session may still be used: accepted, or closed by the
// sweeper after an extension moved its end.
func joinable(b *models.Booking) bool {
	if b.Status == models.StatusAccepted {
		return true
	}
	return b.Status == models.StatusCompleted && b.CompletedBy == models.SystemActor && b.ExtensionUsed
}

// messagingOpen also admits bookings the sweeper closed, so the grace period after the end works.
func messagingOpen(b *models.Booking) bool {
	return b.Status == models.StatusAccepted ||
		(b.Status == models.StatusCompleted && b.CompletedBy == models.SystemActor)
}

func minutesRemaining(end, now time.Time) int {
	if !end.After(now) {
		return 0
	}
	return int(end.Sub(now) / time.Minute)
}
