package beacon

import (
	"errors"
	"sync"

	"github.com/beaconhq/go-client-sdk/util"
)

var ErrQueueFull = errors.New("outbound queue is full, dropping message")

type OverflowPolicy string

const (
	OverflowRejectNew  OverflowPolicy = "reject-new"
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

// OutboundQueue buffers encoded frames while the push channel is not open.
type OutboundQueue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	policy   OverflowPolicy
	dropped  int64
}

func NewOutboundQueue(capacity int, policy OverflowPolicy) *OutboundQueue {
	if capacity <= 0 {
		capacity = defaultMaxPendingSends
	}
	if policy == "" {
		policy = OverflowRejectNew
	}
	return &OutboundQueue{
		capacity: capacity,
		policy:   policy,
	}
}

func (q *OutboundQueue) Enqueue(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity && q.policy == OverflowRejectNew {
		q.dropped++
		return ErrQueueFull
	}
	// A requeue may have left more than capacity items behind.
	for len(q.items) >= q.capacity {
		q.dropped++
		util.Warnf("Outbound queue full (%d), dropping oldest pending send", q.capacity)
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, payload)
	return nil
}

// Drain removes and returns every pending payload in enqueue order.
func (q *OutboundQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Requeue puts payloads that could not be written back at the head of the
// queue, ahead of anything enqueued since the drain. Capacity is not
// enforced here; the payloads were already accepted once.
func (q *OutboundQueue) Requeue(payloads [][]byte) {
	if len(payloads) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([][]byte, 0, len(payloads)+len(q.items))
	items = append(items, payloads...)
	q.items = append(items, q.items...)
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts payloads lost to the overflow policy.
func (q *OutboundQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
