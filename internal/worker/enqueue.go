package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"image-resizer/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Enqueuer puts transformation tasks on the jobs topic.
type Enqueuer struct {
	writer messageWriter
}

func NewEnqueuer(broker, topic string) *Enqueuer {
	return &Enqueuer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (e *Enqueuer) Enqueue(ctx context.Context, tasks ...models.Task) error {
	const op = "worker.Enqueue"

	msgs := make([]kafka.Message, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(t.UUID.String()), Value: body})
	}
	if err := e.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (e *Enqueuer) Close() error {
	return e.writer.Close()
}
