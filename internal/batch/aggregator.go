// Package batch derives a batch's status from the statuses of its images.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"image-resizer/internal/models"
)

type Repository interface {
	ListBatchImageStatuses(ctx context.Context, batchID int64) ([]models.ImageStatus, error)
	SetBatchStatus(ctx context.Context, batchID int64, status models.BatchStatus) error
}

// Resolve returns the batch status for a set of sibling statuses and whether
// that status is final. The result does not depend on the order of statuses.
func Resolve(statuses []models.ImageStatus) (models.BatchStatus, bool) {
	if len(statuses) == 0 {
		return models.BatchStatusProcessing, false
	}
	failed := false
	for _, s := range statuses {
		if !s.IsTerminal() {
			return models.BatchStatusProcessing, false
		}
		if s == models.ImageStatusFailed {
			failed = true
		}
	}
	if failed {
		return models.BatchStatusFailed, true
	}
	return models.BatchStatusCompleted, true
}

type Aggregator struct {
	repo Repository
	log  *slog.Logger
}

func NewAggregator(repo Repository, log *slog.Logger) *Aggregator {
	return &Aggregator{repo: repo, log: log}
}

// Recompute reloads the batch's images and persists the batch status once
// every image is terminal. It writes nothing while any image is still in
// flight, so redundant calls from siblings are harmless.
func (a *Aggregator) Recompute(ctx context.Context, batchID int64) (models.BatchStatus, error) {
	const op = "batch.Recompute"

	statuses, err := a.repo.ListBatchImageStatuses(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	status, final := Resolve(statuses)
	if !final {
		return status, nil
	}
	if err := a.repo.SetBatchStatus(ctx, batchID, status); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	a.log.Info("batch status updated", "batch_id", batchID, "status", status)
	return status, nil
}
