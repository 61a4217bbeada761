// Package notify publishes terminal transformation outcomes to listeners.
// Delivery is best-effort: a publish that fails is logged and dropped.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"image-resizer/internal/models"
)

// Publisher pushes one outcome to one channel.
type Publisher interface {
	Publish(ctx context.Context, outcome models.TransformOutcome) error
}

// URLFunc resolves a storage location to a client-facing link.
type URLFunc func(ctx context.Context, location string) (string, error)

type Notifier struct {
	publishers []Publisher
	url        URLFunc
	log        *slog.Logger
}

func New(log *slog.Logger, url URLFunc, publishers ...Publisher) *Notifier {
	return &Notifier{publishers: publishers, url: url, log: log}
}

func (n *Notifier) NotifySuccess(ctx context.Context, id uuid.UUID, location, filename string) {
	var link string
	if n.url != nil {
		u, err := n.url(ctx, location)
		if err != nil {
			n.log.Warn("resolve image url", "uuid", id, "path", location, "error", err)
		} else {
			link = u
		}
	}
	n.publish(ctx, models.Success(id, location, filename, link))
}

func (n *Notifier) NotifyFailure(ctx context.Context, id uuid.UUID, location, filename, message string) {
	n.publish(ctx, models.Failure(id, location, filename, message))
}

func (n *Notifier) publish(ctx context.Context, outcome models.TransformOutcome) {
	for _, p := range n.publishers {
		if err := p.Publish(ctx, outcome); err != nil {
			n.log.Warn("publish transformation event",
				"uuid", outcome.UUID,
				"path", outcome.Location,
				"error", err,
			)
		}
	}
}
