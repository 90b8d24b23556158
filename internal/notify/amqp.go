// Package notify delivers reservation events to a message broker and to admin chats.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"seminarhall/internal/events"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const DefaultExchange = "seminarhall.reservations"

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes every event to a durable topic exchange with the event type as routing key.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	mu       sync.Mutex
	logger   *zerolog.Logger
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string, logger *zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	p, err := NewAMQPPublisher(ch, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewAMQPPublisher(ch Channel, exchange string, logger *zerolog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, logger: logger}, nil
}

func (p *AMQPPublisher) Name() string {
	return "amqp"
}

func (p *AMQPPublisher) Deliver(ctx context.Context, eventType string, payload []byte) error {
	ev, err := events.DecodeReservation(payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         eventType,
		MessageId:    fmt.Sprintf("%s:%d", ev.Reservation.ID, ev.Reservation.Version),
		Headers: amqp.Table{
			"reservation_id": ev.Reservation.ID,
			"resource_id":    ev.Reservation.ResourceID,
			"status":         string(ev.Reservation.Status),
		},
		Body: payload,
	}

	// one channel is shared by every relay delivery
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, eventType, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	p.logger.Debug().Str("event", eventType).Str("reservation_id", ev.Reservation.ID).Msg("event published to rabbitmq")
	return nil
}

func (p *AMQPPublisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
