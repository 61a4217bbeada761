// Package blob is the byte storage the transformation job reads from and
// overwrites. Locations are opaque relative keys such as "uploads/3/x.png".
package blob

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidLocation = errors.New("invalid blob location")
)

type Store interface {
	Exists(ctx context.Context, location string) (bool, error)
	Size(ctx context.Context, location string) (int64, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Put(ctx context.Context, location string, data []byte) error
	// URL returns a link a client can fetch the stored bytes from.
	URL(ctx context.Context, location string) (string, error)
}
