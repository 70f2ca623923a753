package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/domain"
	"counselbook/internal/models"
	"counselbook/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_WindowIsClosedInterval(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()

	cases := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{"OneSecondEarly", at("09:00").Add(-time.Second), domain.ErrWindowNotOpen},
		{"AtStart", at("09:00"), nil},
		{"AtEnd", at("10:00"), nil},
		{"OneSecondLate", at("10:00").Add(time.Second), domain.ErrWindowClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.clock.Set(tc.now)
			m := NewOutbox("conn-"+tc.name, testUser, 8)
			res, err := f.rooms.Join(ctx, m, b.ID)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, at("10:00"), res.EndTime)
		})
	}
}

func TestJoin_StartsSessionAndRegisters(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	res, err := f.rooms.Join(ctx, NewOutbox("c1", testUser, 8), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, res.MinutesRemaining)
	assert.Equal(t, RoomName(b.ID), res.Room)
	assert.Empty(t, res.Transcript)

	sess, err := f.db.GetSessionByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, sess.Status)

	entry, ok := f.registry.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, at("10:00"), entry.End)
	assert.Equal(t, sess.ID, entry.SessionID)
	assert.Equal(t, 1, f.rooms.RoomSize(b.ID))
}

func TestJoin_Rejections(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()

	chat := f.accepted(t, "09:00", "10:00", models.KindChat)
	audio := f.accepted(t, "11:00", "12:00", models.KindAudio)

	t.Run("Stranger", func(t *testing.T) {
		f.clock.Set(at("09:10"))
		_, err := f.rooms.Join(ctx, NewOutbox("x", "someone-else", 8), chat.ID)
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	})

	t.Run("AudioSession", func(t *testing.T) {
		f.clock.Set(at("11:10"))
		_, err := f.rooms.Join(ctx, NewOutbox("a", testUser, 8), audio.ID)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("PendingBooking", func(t *testing.T) {
		slot, err := f.slots.Create(ctx, testProvider, service.SlotInput{
			Date: testDate, StartTime: "13:00", EndTime: "14:00", Kind: models.KindChat,
		})
		require.NoError(t, err)
		pending, err := f.bookings.CreateBooking(ctx, testUser, slot.ID, "")
		require.NoError(t, err)

		f.clock.Set(at("13:10"))
		_, err = f.rooms.Join(ctx, NewOutbox("p", testUser, 8), pending.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotActive)
	})

	t.Run("UnknownBooking", func(t *testing.T) {
		_, err := f.rooms.Join(ctx, NewOutbox("u", testUser, 8), 999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSend_GraceBand(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()

	f.clock.Set(at("09:59"))
	user := NewOutbox("u", testUser, 8)
	_, err := f.rooms.Join(ctx, user, b.ID)
	require.NoError(t, err)

	f.clock.Set(at("10:04").Add(59 * time.Second))
	_, err = f.rooms.Send(ctx, user, b.ID, "still here")
	require.NoError(t, err)

	f.clock.Set(at("10:05").Add(time.Second))
	_, err = f.rooms.Send(ctx, user, b.ID, "too late")
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)

	sess, err := f.db.GetSessionByBooking(ctx, b.ID)
	require.NoError(t, err)
	msgs, err := f.db.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "still here", msgs[0].Content)
}

func TestSend_FansOutAndPersists(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	user := NewOutbox("u", testUser, 8)
	provider := NewOutbox("p", testProvider, 8)
	_, err := f.rooms.Join(ctx, user, b.ID)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, provider, b.ID)
	require.NoError(t, err)

	msg, err := f.rooms.Send(ctx, user, b.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, testUser, msg.SenderID)

	for _, o := range []*Outbox{user, provider} {
		ev, ok := find(drain(o), EventChatMessage)
		require.True(t, ok, o.ID())
		chat := ev.Data.(ChatMessage)
		assert.Equal(t, "hello", chat.Content)
		assert.Equal(t, testUser, chat.Sender)
		assert.Equal(t, at("09:30"), chat.Timestamp)
	}

	res, err := f.rooms.Join(ctx, NewOutbox("p2", testProvider, 8), b.ID)
	require.NoError(t, err)
	require.Len(t, res.Transcript, 1)
	assert.Equal(t, "hello", res.Transcript[0].Content)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, config.SessionConfig{MaxMessageLength: 10, MessageRateLimit: 2, MessageRateWindow: time.Minute})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	user := NewOutbox("u", testUser, 16)
	_, err := f.rooms.Join(ctx, user, b.ID)
	require.NoError(t, err)

	_, err = f.rooms.Send(ctx, NewOutbox("ghost", testUser, 8), b.ID, "hi")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.rooms.Send(ctx, user, b.ID, "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.rooms.Send(ctx, user, b.ID, strings.Repeat("x", 11))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.rooms.Send(ctx, user, b.ID, "one")
	require.NoError(t, err)
	_, err = f.rooms.Send(ctx, user, b.ID, "two")
	require.NoError(t, err)
	_, err = f.rooms.Send(ctx, user, b.ID, "three")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestTyping_RelayedToOthers(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	user := NewOutbox("u", testUser, 8)
	provider := NewOutbox("p", testProvider, 8)
	_, err := f.rooms.Join(ctx, user, b.ID)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, provider, b.ID)
	require.NoError(t, err)

	require.NoError(t, f.rooms.Typing(user, b.ID))
	assert.Empty(t, drain(user))
	evs := drain(provider)
	require.Len(t, evs, 1)
	assert.Equal(t, TypingNotice{BookingID: b.ID, Identity: testUser}, evs[0].Data)

	assert.ErrorIs(t, f.rooms.Typing(NewOutbox("x", testUser, 1), b.ID), domain.ErrNotAuthorized)
}

func TestFinish(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	user := NewOutbox("u", testUser, 8)
	provider := NewOutbox("p", testProvider, 8)
	_, err := f.rooms.Join(ctx, user, b.ID)
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, provider, b.ID)
	require.NoError(t, err)
	_, err = f.negotiator.Request(ctx, testUser, b.ID, 0)
	require.NoError(t, err)
	drain(provider)

	assert.ErrorIs(t, f.rooms.Finish(ctx, provider, b.ID), domain.ErrNotAuthorized)

	require.NoError(t, f.rooms.Finish(ctx, user, b.ID))
	ev, ok := find(drain(provider), EventSessionEnded)
	require.True(t, ok)
	assert.True(t, ev.Data.(SessionEnded).EndedByUser)

	updated := f.booking(t, b.ID)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Equal(t, testUser, updated.CompletedBy)
	assert.Equal(t, models.SlotCompleted, f.slotOf(t, b).Status)

	_, ok = f.registry.Get(b.ID)
	assert.False(t, ok)
	state, err := f.store.GetExtension(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, state)

	_, err = f.rooms.Send(ctx, user, b.ID, "after finish")
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestLeave(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	user := NewOutbox("u", testUser, 8)
	_, err := f.rooms.Join(ctx, user, b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.rooms.RoomSize(b.ID))

	f.rooms.Leave(user)
	assert.Equal(t, 0, f.rooms.RoomSize(b.ID))
	delivered, _ := f.rooms.SendToIdentity(testUser, Event{Name: EventTyping})
	assert.Zero(t, delivered)

	// leaving has no durable effect
	assert.Equal(t, models.StatusAccepted, f.booking(t, b.ID).Status)
	_, err = f.rooms.Send(ctx, user, b.ID, "gone")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestBroadcast_FullQueueCountsAsFailure(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	b := f.accepted(t, "09:00", "10:00", models.KindChat)
	ctx := context.Background()
	f.clock.Set(at("09:30"))

	slow := NewOutbox("slow", testProvider, 1)
	_, err := f.rooms.Join(ctx, slow, b.ID)
	require.NoError(t, err)

	delivered, failed := f.rooms.Broadcast(b.ID, Event{Name: EventTyping})
	assert.Equal(t, 1, delivered)
	assert.Zero(t, failed)
	delivered, failed = f.rooms.Broadcast(b.ID, Event{Name: EventTyping})
	assert.Zero(t, delivered)
	assert.Equal(t, 1, failed)
}

func TestOutbox(t *testing.T) {
	o := NewOutbox("c", "", 1)
	o.SetIdentity("user-9")
	assert.Equal(t, "user-9", o.Identity())
	assert.True(t, o.Send(Event{Name: EventTyping}))
	assert.False(t, o.Send(Event{Name: EventTyping}))

	o.Close()
	o.Close()
	assert.False(t, o.Send(Event{Name: EventTyping}))
	ev, ok := <-o.Events()
	assert.True(t, ok)
	assert.Equal(t, EventTyping, ev.Name)
	_, ok = <-o.Events()
	assert.False(t, ok)
}

func TestMinutesRemaining(t *testing.T) {
	end := at("10:00")
	assert.Equal(t, 30, minutesRemaining(end, at("09:30")))
	assert.Equal(t, 29, minutesRemaining(end, at("09:30").Add(time.Second)))
	assert.Equal(t, 0, minutesRemaining(end, end))
	assert.Equal(t, 0, minutesRemaining(end, end.Add(time.Minute)))
}
