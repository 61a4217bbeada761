package notify

import (
	"context"
	"sync"

	"image-resizer/internal/models"
)

const subscriberBuffer = 16

// Broadcaster fans outcomes out to in-process subscribers such as open
// event-stream connections. A subscriber that is not keeping up misses events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan models.Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan models.Event]struct{})}
}

// Subscribe returns a channel of events and a function that detaches it.
func (b *Broadcaster) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(_ context.Context, outcome models.TransformOutcome) error {
	ev := outcome.Flat()
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}
