package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Task is the unit-of-work descriptor handed to the transformation job.
type Task struct {
	UUID             uuid.UUID `json:"uuid"`
	Location         string    `json:"location"`
	OriginalFilename string    `json:"original_filename"`
	TargetWidth      int       `json:"target_width"`
	TargetHeight     int       `json:"target_height"`
	BatchID          int64     `json:"batch_id,omitempty"`
}

var ErrInvalidTask = errors.New("invalid task")

func (t Task) Validate() error {
	switch {
	case t.UUID == uuid.Nil:
		return fmt.Errorf("%w: empty uuid", ErrInvalidTask)
	case t.Location == "":
		return fmt.Errorf("%w: empty location", ErrInvalidTask)
	case t.TargetWidth < 1 || t.TargetHeight < 1:
		return fmt.Errorf("%w: target %dx%d", ErrInvalidTask, t.TargetWidth, t.TargetHeight)
	}
	return nil
}

// TaskFromImage builds the descriptor for a persisted image.
func TaskFromImage(img *Image) Task {
	return Task{
		UUID:             img.UUID,
		Location:         img.Path,
		OriginalFilename: img.OriginalFilename,
		TargetWidth:      img.TargetWidth,
		TargetHeight:     img.TargetHeight,
		BatchID:          img.BatchID,
	}
}
