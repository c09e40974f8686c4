package engagement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes events to a topic exchange, routed by event type.
type AMQPSender struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
}

// NewAMQPSender dials url and declares a durable topic exchange.
func NewAMQPSender(url, exchange string) (*AMQPSender, error) {
	if exchange == "" {
		exchange = "engagement"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPSender{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSender) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, "engagement."+string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.UnixMilli(ev.Timestamp),
		Body:         body,
	})
}

func (s *AMQPSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
