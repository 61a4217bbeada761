package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Local keeps blobs under a root directory on disk.
type Local struct {
	root      string
	urlPrefix string
}

func NewLocal(root, urlPrefix string) (*Local, error) {
	const op = "blob.NewLocal"

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Local{root: root, urlPrefix: strings.TrimSuffix(urlPrefix, "/")}, nil
}

func (l *Local) Root() string { return l.root }

func (l *Local) abs(location string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(location))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) Exists(ctx context.Context, location string) (bool, error) {
	const op = "blob.Local.Exists"

	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	p, err := l.abs(location)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return info.Mode().IsRegular(), nil
}

func (l *Local) Size(ctx context.Context, location string) (int64, error) {
	const op = "blob.Local.Size"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	p, err := l.abs(location)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w: %s", op, ErrNotFound, location)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return info.Size(), nil
}

func (l *Local) Get(ctx context.Context, location string) ([]byte, error) {
	const op = "blob.Local.Get"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, err := l.abs(location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

// Put writes data next to the target and renames it into place, so readers
// never observe a half-written file.
func (l *Local) Put(ctx context.Context, location string, data []byte) error {
	const op = "blob.Local.Put"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p, err := l.abs(location)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (l *Local) URL(_ context.Context, location string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(location))
	if clean == "/" {
		return "", fmt.Errorf("blob.Local.URL: %w: %q", ErrInvalidLocation, location)
	}
	return l.urlPrefix + clean, nil
}
