package worker

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	inflight []int64 // fetch order
	done     map[int64]bool
}

// offsetTracker lets a partition's committed offset advance only past
// messages that are handled, however the worker goroutines interleave.
// A message that is never completed holds back every later offset of its
// partition, so it is redelivered together with them.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionOffsets)}
}

func (t *offsetTracker) get(msg kafka.Message) *partitionOffsets {
	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	p, ok := t.partitions[key]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[key] = p
	}
	return p
}

// track records msg as fetched. Messages of one partition must be tracked in
// the order they were fetched.
func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.get(msg)
	p.inflight = append(p.inflight, msg.Offset)
}

// complete marks msg handled. It returns the message to commit, which is the
// last one of the contiguous handled prefix, or false while an earlier
// offset is still in flight.
func (t *offsetTracker) complete(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.get(msg)
	p.done[msg.Offset] = true

	n := 0
	var last int64
	for n < len(p.inflight) && p.done[p.inflight[n]] {
		last = p.inflight[n]
		delete(p.done, last)
		n++
	}
	if n == 0 {
		return kafka.Message{}, false
	}
	p.inflight = p.inflight[n:]
	return kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: last}, true
}
