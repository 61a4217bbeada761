// internal/models/image.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type ImageStatus string

const (
	ImageStatusPending    ImageStatus = "pending"
	ImageStatusProcessing ImageStatus = "processing"
	ImageStatusCompleted  ImageStatus = "completed"
	ImageStatusFailed     ImageStatus = "failed"
)

// IsTerminal reports whether no further status transitions are allowed.
func (s ImageStatus) IsTerminal() bool {
	return s == ImageStatusCompleted || s == ImageStatusFailed
}

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

type Image struct {
	ID               int64       `db:"id"`
	BatchID          int64       `db:"batch_id"`
	UUID             uuid.UUID   `db:"uuid"`
	OriginalFilename string      `db:"original_filename"`
	Path             string      `db:"path"`
	Status           ImageStatus `db:"status"`
	ErrorMessage     *string     `db:"error_message"`
	OriginalWidth    *int        `db:"original_width"`
	OriginalHeight   *int        `db:"original_height"`
	TargetWidth      int         `db:"target_width"`
	TargetHeight     int         `db:"target_height"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
}

// HasOriginalSize reports whether the decoded dimensions were already recorded.
func (i *Image) HasOriginalSize() bool {
	return i.OriginalWidth != nil && i.OriginalHeight != nil
}

// Batch groups the images submitted in one upload request.
type Batch struct {
	ID            int64       `db:"id"`
	ExpectedCount int         `db:"expected_count"`
	Status        BatchStatus `db:"status"`
	SessionID     string      `db:"session_id"`
	Device        string      `db:"device"`
	IPAddress     string      `db:"ip_address"`
	StoragePath   string      `db:"storage_path"`
	ErrorMessage  *string     `db:"error_message"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}
