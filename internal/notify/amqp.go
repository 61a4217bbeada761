package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"image-resizer/internal/models"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes outcomes on a fanout exchange named after the topic.
type AMQP struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

func NewAMQP(url, exchange string) (*AMQP, error) {
	const op = "notify.NewAMQP"

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to connect to RabbitMQ: %w", op, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: failed to open a channel: %w", op, err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: failed to declare an exchange: %w", op, err)
	}
	return &AMQP{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQP) Publish(ctx context.Context, outcome models.TransformOutcome) error {
	const op = "notify.AMQP.Publish"

	body, err := json.Marshal(outcome.Flat())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = a.ch.PublishWithContext(ctx,
		a.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Transient,
			ContentType:  "application/json",
			MessageId:    outcome.UUID.String(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *AMQP) Close() {
	if c, ok := a.ch.(*amqp.Channel); ok && c != nil {
		c.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}
