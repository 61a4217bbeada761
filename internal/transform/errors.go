package transform

import (
	"context"
	"errors"
	"fmt"

	"image-resizer/internal/blob"
	"image-resizer/internal/codec"
)

// Every attempt failure wraps exactly one of these. The kind only decides
// the wording of the stored error message; recovery is the same for all.
var (
	ErrSourceNotFound = errors.New("source not found")
	ErrStorageRead    = errors.New("storage read error")
	ErrDecode         = codec.ErrDecode
	ErrEncode         = codec.ErrEncode
	ErrStorageWrite   = errors.New("storage write error")
	ErrPersist        = errors.New("status update error")
	ErrTimeout        = errors.New("attempt timed out")
	ErrRetryExhausted = errors.New("retries exhausted")
)

var kinds = []error{
	ErrSourceNotFound, ErrStorageRead, ErrDecode, ErrEncode,
	ErrStorageWrite, ErrPersist, ErrTimeout,
}

// Kind returns the taxonomy sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// classify tags err with kind unless it already carries a kind. Deadline
// errors from storage or the database always become timeouts.
func classify(err, kind error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, blob.ErrNotFound) && !errors.Is(err, ErrSourceNotFound) {
		return fmt.Errorf("%w: %v", ErrSourceNotFound, err)
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}
