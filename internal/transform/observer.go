package transform

import (
	"log/slog"

	"image-resizer/internal/models"
)

// Observer is told about each checkpoint of an attempt.
type Observer interface {
	AttemptStarted(task models.Task, attempt int)
	SourceLoaded(task models.Task, attempt int, size int64)
	Decoded(task models.Task, attempt int, width, height int)
	Resized(task models.Task, attempt int, width, height int)
	Completed(task models.Task, attempt int)
	AttemptFailed(task models.Task, attempt int, err error, final bool)
	BookkeepingFailed(task models.Task, attempt int, step string, err error)
}

type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{log: log.With("component", "transform")}
}

func (o *LogObserver) with(task models.Task, attempt int) *slog.Logger {
	return o.log.With("uuid", task.UUID, "path", task.Location, "attempt", attempt)
}

func (o *LogObserver) AttemptStarted(task models.Task, attempt int) {
	o.with(task, attempt).Info("image transformation started",
		"width", task.TargetWidth,
		"height", task.TargetHeight,
	)
}

func (o *LogObserver) SourceLoaded(task models.Task, attempt int, size int64) {
	o.with(task, attempt).Info("processing image",
		"size_bytes", size,
		"size_mb", float64(size*100/(1<<20))/100,
	)
}

func (o *LogObserver) Decoded(task models.Task, attempt int, width, height int) {
	o.with(task, attempt).Debug("image decoded", "width", width, "height", height)
}

func (o *LogObserver) Resized(task models.Task, attempt int, width, height int) {
	o.with(task, attempt).Debug("image resized", "width", width, "height", height)
}

func (o *LogObserver) Completed(task models.Task, attempt int) {
	o.with(task, attempt).Info("image transformation completed")
}

func (o *LogObserver) AttemptFailed(task models.Task, attempt int, err error, final bool) {
	o.with(task, attempt).Error("image transformation failed",
		"error", err,
		"final", final,
	)
}

func (o *LogObserver) BookkeepingFailed(task models.Task, attempt int, step string, err error) {
	o.with(task, attempt).Error("image bookkeeping failed",
		"step", step,
		"batch_id", task.BatchID,
		"error", err,
	)
}
