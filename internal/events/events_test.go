package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int
	bus.Subscribe(EventBookingCreated, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	payload := BookingEventPayload{BookingID: 7, UserID: "user-1", Status: "pending"}
	require.NoError(t, bus.PublishJSON(EventBookingCreated, payload))

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventBookingCreated, received.Type)
	assert.False(t, received.CreatedAt.IsZero())
	assert.Len(t, received.ID, 36)

	decoded, err := Decode[BookingEventPayload](received)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.BookingID)
	assert.Equal(t, "user-1", decoded.UserID)

	_, err = Decode[BookingEventPayload](&Event{Type: "broken", Payload: []byte("{")})
	assert.ErrorContains(t, err, "broken")
}

func TestEventBus_WildcardAndErrors(t *testing.T) {
	bus := NewEventBus()
	var typed, all int

	bus.Subscribe("event", func(_ *Event) error { typed++; return errors.New("typed failed") })
	bus.SubscribeAll(func(_ *Event) error { all++; return nil })

	err := bus.Publish(&Event{Type: "event", ID: "fixed"})
	assert.NoError(t, bus.Publish(&Event{Type: "other"}))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all, "wildcard handlers see every type")
	assert.ErrorContains(t, err, "typed failed")

	// PublishJSON swallows handler failures
	assert.NoError(t, bus.PublishJSON("event", nil))
	assert.Equal(t, 2, typed)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	var a, b, all int
	stopA := bus.Subscribe("event", func(_ *Event) error { a++; return nil })
	bus.Subscribe("event", func(_ *Event) error { b++; return nil })
	stopAll := bus.SubscribeAll(func(_ *Event) error { all++; return nil })

	require.NoError(t, bus.Publish(&Event{Type: "event"}))
	stopA()
	stopAll()
	require.NoError(t, bus.Publish(&Event{Type: "event"}))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, all)
}

func TestEventBus_NoSubscribersAndNil(t *testing.T) {
	bus := NewEventBus()
	assert.NoError(t, bus.Publish(&Event{Type: "unknown"}))
	assert.NoError(t, bus.PublishJSON("unknown", nil))

	var nilBus *EventBus
	assert.NoError(t, nilBus.PublishJSON("unknown", nil))

	assert.Error(t, bus.PublishJSON("bad", make(chan int)))
}
