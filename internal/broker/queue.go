package broker

import (
	"errors"
	"sync"

	"roomcast/internal/metrics"
	"roomcast/internal/models"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded per-connection outbound FIFO. When full, the oldest
// ephemeral event is dropped to make room. A persisted delivery that still
// does not fit is refused with models.ErrSlowConsumer.
type Queue struct {
	mu     sync.Mutex
	items  []models.ServerEvent
	size   int
	ready  chan struct{}
	closed bool
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		items: make([]models.ServerEvent, 0, size),
		size:  size,
		ready: make(chan struct{}, 1),
	}
}

// Push never blocks.
func (q *Queue) Push(ev models.ServerEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if len(q.items) >= q.size {
		i := q.oldestEphemeral()
		switch {
		case i >= 0:
			metrics.IncDropped(string(q.items[i].Type))
			q.items = append(q.items[:i], q.items[i+1:]...)
		case ev.Ephemeral():
			metrics.IncDropped(string(ev.Type))
			return nil
		default:
			return models.ErrSlowConsumer
		}
	}

	q.items = append(q.items, ev)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) oldestEphemeral() int {
	for i, it := range q.items {
		if it.Ephemeral() {
			return i
		}
	}
	return -1
}

// Ready is signalled after a Push into a queue that may have been drained.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued event in order.
func (q *Queue) Drain() []models.ServerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]models.ServerEvent, 0, q.size)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
