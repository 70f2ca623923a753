package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// channelPublisher is the subset of *amqp.Channel the forwarder uses.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// BrokerForwarder mirrors bus events to a RabbitMQ topic exchange with routing key "counselbook.<type>".
type BrokerForwarder struct {
	conn     *amqp.Connection
	ch       channelPublisher
	closeCh  func() error
	exchange string
	logger   *zerolog.Logger
}

// NewBrokerForwarder dials the broker and declares a durable topic exchange.
func NewBrokerForwarder(url, exchange string, logger *zerolog.Logger) (*BrokerForwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &BrokerForwarder{conn: conn, ch: ch, closeCh: ch.Close, exchange: exchange, logger: logger}, nil
}

func newForwarder(ch channelPublisher, exchange string, logger *zerolog.Logger) *BrokerForwarder {
	return &BrokerForwarder{ch: ch, exchange: exchange, logger: logger}
}

// RoutingKey returns the topic key for an event type.
func RoutingKey(eventType string) string {
	return "counselbook." + eventType
}

// Attach subscribes the forwarder to every event on bus.
func (f *BrokerForwarder) Attach(bus *EventBus) {
	bus.SubscribeAll(f.Handle)
}

// Handle publishes one event. Failures are logged and returned; the bus does not retry.
func (f *BrokerForwarder) Handle(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := f.ch.PublishWithContext(ctx, f.exchange, RoutingKey(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.CreatedAt,
		Type:         event.Type,
		Body:         event.Payload,
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to forward event to broker")
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (f *BrokerForwarder) Close() error {
	if f.closeCh != nil {
		_ = f.closeCh()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
