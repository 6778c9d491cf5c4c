package pipeline

import (
	"sync"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
)

// Queue is an unbounded FIFO between the producers and the storage
// consumer. Push never blocks on the consumer.
type Queue struct {
	mu    sync.Mutex
	items []*domain.DecodedMessage
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(msg *domain.DecodedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	metrics.QueueDepth.Set(float64(len(q.items)))
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue) Drain() []*domain.DecodedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
