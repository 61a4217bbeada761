// Package transform runs one attempt of an image transformation: it reads
// the stored image, fits it inside the target box, writes it back in place
// and settles the image and batch status once the outcome is terminal.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"image-resizer/internal/codec"
	"image-resizer/internal/models"
	"image-resizer/internal/resize"
)

const (
	DefaultMaxAttempts = 3

	// budget for status writes made after the attempt context has expired
	bookkeepingTimeout = 10 * time.Second
)

type Images interface {
	SetImageStatus(ctx context.Context, id uuid.UUID, status models.ImageStatus) (bool, error)
	SetImageOriginalSize(ctx context.Context, id uuid.UUID, width, height int) (bool, error)
	FailImage(ctx context.Context, id uuid.UUID, message string) (bool, error)
}

type Blobs interface {
	Exists(ctx context.Context, location string) (bool, error)
	Size(ctx context.Context, location string) (int64, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Put(ctx context.Context, location string, data []byte) error
}

type Aggregator interface {
	Recompute(ctx context.Context, batchID int64) (models.BatchStatus, error)
}

type Notifier interface {
	NotifySuccess(ctx context.Context, id uuid.UUID, location, filename string)
	NotifyFailure(ctx context.Context, id uuid.UUID, location, filename, message string)
}

type Deps struct {
	Images      Images
	Blobs       Blobs
	Aggregator  Aggregator
	Notifier    Notifier
	Observer    Observer
	MaxAttempts int
}

type Job struct {
	images      Images
	blobs       Blobs
	agg         Aggregator
	notifier    Notifier
	obs         Observer
	maxAttempts int
}

func NewJob(d Deps) *Job {
	if d.MaxAttempts < 1 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.Observer == nil {
		d.Observer = NewLogObserver(slog.Default())
	}
	return &Job{
		images:      d.Images,
		blobs:       d.Blobs,
		agg:         d.Aggregator,
		notifier:    d.Notifier,
		obs:         d.Observer,
		maxAttempts: d.MaxAttempts,
	}
}

func (j *Job) MaxAttempts() int { return j.maxAttempts }

// Run executes attempt number attempt (1-based) for task. A non-nil error
// means the attempt failed and must be recorded as such by the caller; when
// attempt has reached MaxAttempts the image has already been marked failed
// and the returned error wraps ErrRetryExhausted.
func (j *Job) Run(ctx context.Context, task models.Task, attempt int) error {
	const op = "transform.Run"

	if err := task.Validate(); err != nil {
		j.reject(ctx, task, attempt, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	j.obs.AttemptStarted(task, attempt)

	changed, err := j.transform(ctx, task, attempt)
	if err != nil {
		return j.fail(ctx, task, attempt, err)
	}

	j.obs.Completed(task, attempt)

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	aggErr := j.recompute(bctx, task, attempt)
	if changed {
		j.notifier.NotifySuccess(bctx, task.UUID, task.Location, task.OriginalFilename)
	}
	if aggErr != nil {
		return fmt.Errorf("%s: %w", op, aggErr)
	}
	return nil
}

// transform performs the steps up to and including the completed mark and
// stops at the first error. changed reports whether this attempt moved the
// image to completed; it is false for an image that was already terminal.
func (j *Job) transform(ctx context.Context, task models.Task, attempt int) (changed bool, err error) {
	if _, err := j.images.SetImageStatus(ctx, task.UUID, models.ImageStatusProcessing); err != nil {
		return false, classify(err, ErrPersist)
	}

	encoded, err := j.renderWithin(ctx, task, attempt)
	if err != nil {
		return false, err
	}

	if err := deadline(ctx); err != nil {
		return false, err
	}
	if err := j.blobs.Put(ctx, task.Location, encoded); err != nil {
		return false, classify(err, ErrStorageWrite)
	}

	changed, err = j.images.SetImageStatus(ctx, task.UUID, models.ImageStatusCompleted)
	if err != nil {
		return false, classify(err, ErrPersist)
	}
	return changed, nil
}

// renderWithin returns as soon as ctx expires, even while a decode or resize
// is still running. The abandoned render finishes in the background and its
// output is dropped, so nothing is written for a timed-out attempt.
func (j *Job) renderWithin(ctx context.Context, task models.Task, attempt int) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := j.render(ctx, task, attempt)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, deadline(ctx)
	}
}

// render loads, decodes, scales and re-encodes the source. Each buffer is
// dropped as soon as the next stage no longer needs it, so at most the raw
// bytes and one pixel buffer are alive together.
func (j *Job) render(ctx context.Context, task models.Task, attempt int) ([]byte, error) {
	ok, err := j.blobs.Exists(ctx, task.Location)
	if err != nil {
		return nil, classify(err, ErrStorageRead)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, task.Location)
	}

	size, err := j.blobs.Size(ctx, task.Location)
	if err != nil {
		return nil, classify(err, ErrStorageRead)
	}
	j.obs.SourceLoaded(task, attempt, size)

	data, err := j.blobs.Get(ctx, task.Location)
	if err != nil {
		return nil, classify(err, ErrStorageRead)
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	img, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	data = nil

	b := img.Bounds()
	j.obs.Decoded(task, attempt, b.Dx(), b.Dy())
	if _, err := j.images.SetImageOriginalSize(ctx, task.UUID, b.Dx(), b.Dy()); err != nil {
		return nil, classify(err, ErrPersist)
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	img = resize.Scale(img, task.TargetWidth, task.TargetHeight)
	b = img.Bounds()
	j.obs.Resized(task, attempt, b.Dx(), b.Dy())
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	encoded, err := codec.Encode(img, codec.FormatFromPath(task.Location))
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (j *Job) fail(ctx context.Context, task models.Task, attempt int, cause error) error {
	const op = "transform.Run"

	final := attempt >= j.maxAttempts
	j.obs.AttemptFailed(task, attempt, cause, final)
	if !final {
		return fmt.Errorf("%s: attempt %d/%d: %w", op, attempt, j.maxAttempts, cause)
	}

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	message := cause.Error()
	failed, err := j.images.FailImage(bctx, task.UUID, message)
	if err != nil {
		j.obs.BookkeepingFailed(task, attempt, "mark failed", err)
		return fmt.Errorf("%s: %w: %w", op, ErrRetryExhausted, errors.Join(cause, err))
	}
	if aggErr := j.recompute(bctx, task, attempt); aggErr != nil {
		cause = errors.Join(cause, aggErr)
	}
	// An image that was already terminal keeps its status and its
	// notification has gone out before.
	if failed {
		j.notifier.NotifyFailure(bctx, task.UUID, task.Location, task.OriginalFilename, message)
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetryExhausted, attempt, cause)
}

// reject fails the image behind a task that can never run, so its batch
// still resolves.
func (j *Job) reject(ctx context.Context, task models.Task, attempt int, cause error) {
	j.obs.AttemptFailed(task, attempt, cause, true)
	if task.UUID == uuid.Nil {
		return
	}

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	message := cause.Error()
	failed, err := j.images.FailImage(bctx, task.UUID, message)
	if err != nil {
		j.obs.BookkeepingFailed(task, attempt, "mark failed", err)
		return
	}
	j.recompute(bctx, task, attempt)
	if failed {
		j.notifier.NotifyFailure(bctx, task.UUID, task.Location, task.OriginalFilename, message)
	}
}

func (j *Job) recompute(ctx context.Context, task models.Task, attempt int) error {
	if task.BatchID == 0 || j.agg == nil {
		return nil
	}
	if _, err := j.agg.Recompute(ctx, task.BatchID); err != nil {
		j.obs.BookkeepingFailed(task, attempt, "batch recompute", err)
		return err
	}
	return nil
}

func deadline(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// bookkeepingContext keeps terminal status writes alive after the attempt
// context has timed out.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
