// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"image-resizer/internal/models"
)

var ErrNotFound = errors.New("record not found")

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage persists images and batches. Status updates are single-statement
// guarded writes; only batch creation spans a transaction.
type Storage struct {
	pool *pgxpool.Pool
	db   querier
}

func NewStorage(ctx context.Context, dsn string, log *slog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := runMigrations(dsn, log); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

// WithTx runs fn against a Storage bound to one transaction, committing when
// fn returns nil and rolling back otherwise. Transactions do not nest.
func (s *Storage) WithTx(ctx context.Context, fn func(tx *Storage) error) error {
	const op = "storage.WithTx"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// no-op once committed
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&Storage{pool: s.pool, db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CreateBatchWithImages inserts b and its images atomically, setting the
// generated ids and each image's BatchID.
func (s *Storage) CreateBatchWithImages(ctx context.Context, b *models.Batch, images []*models.Image) error {
	const op = "storage.CreateBatchWithImages"

	b.ExpectedCount = len(images)
	err := s.WithTx(ctx, func(tx *Storage) error {
		if err := tx.CreateBatch(ctx, b); err != nil {
			return err
		}
		for _, img := range images {
			img.BatchID = b.ID
			if err := tx.CreateImage(ctx, img); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) CreateBatch(ctx context.Context, b *models.Batch) error {
	const op = "storage.CreateBatch"

	if b.Status == "" {
		b.Status = models.BatchStatusProcessing
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO batches (expected_count, status, session_id, device, ip_address, storage_path)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		b.ExpectedCount, b.Status, b.SessionID, b.Device, b.IPAddress, b.StoragePath,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	const op = "storage.GetBatch"

	var b models.Batch
	err := s.db.QueryRow(ctx,
		`SELECT id, expected_count, status, session_id, device, ip_address, storage_path,
		        error_message, created_at, updated_at
		 FROM batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.ExpectedCount, &b.Status, &b.SessionID, &b.Device, &b.IPAddress,
		&b.StoragePath, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w: batch %d", op, ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &b, nil
}

// SetBatchStatus overwrites the derived batch status. Concurrent callers
// compute the same value from the same terminal set, so last write wins.
func (s *Storage) SetBatchStatus(ctx context.Context, id int64, status models.BatchStatus) error {
	const op = "storage.SetBatchStatus"

	tag, err := s.db.Exec(ctx,
		`UPDATE batches SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: batch %d", op, ErrNotFound, id)
	}
	return nil
}

func (s *Storage) CreateImage(ctx context.Context, img *models.Image) error {
	const op = "storage.CreateImage"

	if img.Status == "" {
		img.Status = models.ImageStatusPending
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO images (batch_id, uuid, original_filename, path, status,
		                     original_width, original_height, target_width, target_height)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		img.BatchID, img.UUID, img.OriginalFilename, img.Path, img.Status,
		img.OriginalWidth, img.OriginalHeight, img.TargetWidth, img.TargetHeight,
	).Scan(&img.ID, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

const imageColumns = `id, batch_id, uuid, original_filename, path, status, error_message,
	original_width, original_height, target_width, target_height, created_at, updated_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.BatchID, &img.UUID, &img.OriginalFilename, &img.Path, &img.Status,
		&img.ErrorMessage, &img.OriginalWidth, &img.OriginalHeight, &img.TargetWidth, &img.TargetHeight,
		&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *Storage) GetImageByUUID(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	const op = "storage.GetImageByUUID"

	img, err := scanImage(s.db.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE uuid = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w: image %s", op, ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

func (s *Storage) ListBatchImages(ctx context.Context, batchID int64) ([]models.Image, error) {
	const op = "storage.ListBatchImages"

	rows, err := s.db.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return images, nil
}

func (s *Storage) ListBatchImageStatuses(ctx context.Context, batchID int64) ([]models.ImageStatus, error) {
	const op = "storage.ListBatchImageStatuses"

	rows, err := s.db.Query(ctx, `SELECT status FROM images WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	statuses, err := pgx.CollectRows(rows, pgx.RowTo[models.ImageStatus])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return statuses, nil
}

// SetImageStatus moves a non-terminal image to status. It reports false when
// the image is already completed or failed and the row was left untouched.
func (s *Storage) SetImageStatus(ctx context.Context, id uuid.UUID, status models.ImageStatus) (bool, error) {
	const op = "storage.SetImageStatus"

	tag, err := s.db.Exec(ctx,
		`UPDATE images SET status = $2, updated_at = now()
		 WHERE uuid = $1 AND status NOT IN ('completed', 'failed')`, id, status)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailImage marks a non-terminal image failed with message.
func (s *Storage) FailImage(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	const op = "storage.FailImage"

	tag, err := s.db.Exec(ctx,
		`UPDATE images SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE uuid = $1 AND status NOT IN ('completed', 'failed')`, id, message)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetImageOriginalSize records the decoded size once; later calls are no-ops.
func (s *Storage) SetImageOriginalSize(ctx context.Context, id uuid.UUID, width, height int) (bool, error) {
	const op = "storage.SetImageOriginalSize"

	tag, err := s.db.Exec(ctx,
		`UPDATE images SET original_width = $2, original_height = $3, updated_at = now()
		 WHERE uuid = $1 AND (original_width IS NULL OR original_height IS NULL)`, id, width, height)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}
