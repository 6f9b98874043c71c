package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

var ErrQueueClosed = errors.New("queue is closed")

// Item is one queued work unit. Attempt starts at 1 and is incremented by
// the dispatcher when a transient failure re-enqueues the unit.
type Item struct {
	Unit       models.WorkUnit
	Attempt    int
	EnqueuedAt time.Time
}

func NewItem(unit models.WorkUnit) *Item {
	return &Item{
		Unit:       unit,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}
}

type Queue interface {
	Push(item *Item) error
	Pop(ctx context.Context) (*Item, error)
	Size() int
	Close() error
}

// InMemoryQueue is a strict FIFO queue. Pop blocks until an item arrives,
// the queue closes, or the context is cancelled. Close is the only way to
// tell consumers no more work is coming.
type InMemoryQueue struct {
	items  []*Item
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func NewInMemoryQueue() *InMemoryQueue {
	q := &InMemoryQueue{
		items: make([]*Item, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *InMemoryQueue) Push(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, item)
	q.cond.Signal()

	return nil
}

func (q *InMemoryQueue) Pop(ctx context.Context) (*Item, error) {
	// Waking waiters on cancellation needs the lock, otherwise a Broadcast
	// can slip between the loop check and cond.Wait and be lost.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return nil, ErrQueueClosed
	}

	item := q.items[0]
	q.items = q.items[1:]

	return item, nil
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop. Items already queued are still drained;
// only new pushes are rejected.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()

	return nil
}
