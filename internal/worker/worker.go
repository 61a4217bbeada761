// Package worker runs transformation tasks read from Kafka. It gives each
// task up to MaxAttempts attempts with exponential backoff between them, a
// wall-clock budget per attempt, and commits a partition's offset only past
// tasks that have succeeded or run out of attempts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"

	"image-resizer/internal/models"
	"image-resizer/internal/transform"
)

const maxBackoff = time.Minute

type Runner interface {
	Run(ctx context.Context, task models.Task, attempt int) error
	MaxAttempts() int
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Options struct {
	Timeout time.Duration
	Backoff time.Duration
	Workers int
}

type Worker struct {
	reader  messageReader
	runner  Runner
	log     *slog.Logger
	opts    Options
	offsets *offsetTracker

	// serializes commits so a partition's offset never moves backwards
	commitMu sync.Mutex
}

func NewReader(broker, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: groupID,
	})
}

func New(reader messageReader, runner Runner, log *slog.Logger, opts Options) *Worker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Worker{
		reader:  reader,
		runner:  runner,
		log:     log.With("component", "worker"),
		opts:    opts,
		offsets: newOffsetTracker(),
	}
}

// Run fetches messages until ctx is canceled. Tasks already started finish
// their current attempt; a task waiting on backoff is abandoned uncommitted
// and will be redelivered, along with any later offsets of its partition.
func (w *Worker) Run(ctx context.Context) error {
	msgs := make(chan kafka.Message)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				w.handle(ctx, msg)
			}
		}()
	}

	err := w.fetch(ctx, msgs)
	close(msgs)
	wg.Wait()
	return err
}

func (w *Worker) fetch(ctx context.Context, out chan<- kafka.Message) error {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("error reading message", "error", err)
			continue
		}
		w.offsets.track(msg)
		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var task models.Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		w.log.Error("malformed task message", "offset", msg.Offset, "error", err)
		w.commit(ctx, msg)
		return
	}

	err := w.Process(ctx, task)
	switch {
	case err == nil:
	case ctx.Err() != nil && !errors.Is(err, transform.ErrRetryExhausted):
		w.log.Warn("task interrupted by shutdown", "uuid", task.UUID, "error", err)
		return
	default:
		w.log.Error("task failed", "uuid", task.UUID, "path", task.Location, "error", err)
	}
	w.commit(ctx, msg)
}

func (w *Worker) commit(ctx context.Context, msg kafka.Message) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	upTo, ok := w.offsets.complete(msg)
	if !ok {
		return
	}
	if err := w.reader.CommitMessages(context.WithoutCancel(ctx), upTo); err != nil {
		w.log.Error("commit message", "partition", upTo.Partition, "offset", upTo.Offset, "error", err)
	}
}

// Process runs task until an attempt succeeds or the runner's attempt limit
// is reached. Each attempt gets its own timeout and is not interrupted by
// cancellation of ctx.
func (w *Worker) Process(ctx context.Context, task models.Task) error {
	const op = "worker.Process"

	maxAttempts := w.runner.MaxAttempts()
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1),
		retry.WithCappedDuration(maxBackoff, retry.NewExponential(w.opts.Backoff)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := w.attempt(ctx, task, attempt)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrInvalidTask), errors.Is(err, transform.ErrRetryExhausted):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (w *Worker) attempt(ctx context.Context, task models.Task, attempt int) error {
	actx := context.WithoutCancel(ctx)
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, w.opts.Timeout)
		defer cancel()
	}
	return w.runner.Run(actx, task, attempt)
}
