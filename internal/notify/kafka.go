package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"image-resizer/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka writes outcomes to a fixed topic keyed by image uuid.
type Kafka struct {
	writer messageWriter
}

func NewKafka(broker, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) Publish(ctx context.Context, outcome models.TransformOutcome) error {
	const op = "notify.Kafka.Publish"

	body, err := json.Marshal(outcome.Flat())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(outcome.UUID.String()),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
