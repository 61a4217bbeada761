package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"image-resizer/internal/codec"
	"image-resizer/internal/models"
)

const presignTTL = time.Hour

type objectClient interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error)
}

// openFunc opens an object for reading. A missing key may only surface on
// the first Read.
type openFunc func(ctx context.Context, bucket, object string) (io.ReadCloser, error)

// MinIO keeps blobs as objects in a single bucket.
type MinIO struct {
	client objectClient
	open   openFunc
	bucket string
}

func NewMinIO(ctx context.Context, cfg models.MinIOConfig) (*MinIO, error) {
	const op = "blob.NewMinIO"

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: check bucket: %w", op, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%s: create bucket: %w", op, err)
		}
	}

	open := func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
		obj, err := client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		return obj, nil
	}
	return &MinIO{client: client, open: open, bucket: cfg.Bucket}, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (m *MinIO) Exists(ctx context.Context, location string) (bool, error) {
	const op = "blob.MinIO.Exists"

	_, err := m.client.StatObject(ctx, m.bucket, location, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (m *MinIO) Size(ctx context.Context, location string) (int64, error) {
	const op = "blob.MinIO.Size"

	info, err := m.client.StatObject(ctx, m.bucket, location, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, fmt.Errorf("%s: %w: %s", op, ErrNotFound, location)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return info.Size, nil
}

func (m *MinIO) Get(ctx context.Context, location string) ([]byte, error) {
	const op = "blob.MinIO.Get"

	obj, err := m.open(ctx, m.bucket, location)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrNotFound, location)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key only shows up on first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrNotFound, location)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func (m *MinIO) Put(ctx context.Context, location string, data []byte) error {
	const op = "blob.MinIO.Put"

	_, err := m.client.PutObject(ctx, m.bucket, location, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: codec.ContentType(codec.FormatFromPath(location)),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *MinIO) URL(ctx context.Context, location string) (string, error) {
	const op = "blob.MinIO.URL"

	u, err := m.client.PresignedGetObject(ctx, m.bucket, location, presignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return u.String(), nil
}
