package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop and Push once the queue is closed
var ErrClosed = errors.New("queue closed")

// Item is a dispatch ticket for one admitted job
type Item struct {
	JobID    string `json:"jobId"`
	Priority int    `json:"priority"`
	Seq      int64  `json:"seq"`
}

// Queue orders admitted jobs for the worker pool: higher priority first,
// creation order within a priority.
type Queue interface {
	Push(ctx context.Context, item Item) error
	// Pop blocks until an item is available or ctx is done
	Pop(ctx context.Context) (Item, error)
	Len(ctx context.Context) (int, error)
	// Durable reports whether queued items survive a process restart
	Durable() bool
	Close() error
}

// itemHeap implements heap.Interface
type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MemoryQueue is an in-process priority queue
type MemoryQueue struct {
	mu     sync.Mutex
	items  itemHeap
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push adds an item
func (q *MemoryQueue) Push(_ context.Context, item Item) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pop removes the highest-priority, oldest item
func (q *MemoryQueue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(Item)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				// wake the next waiter; a single buffered signal may have been consumed
				q.signal()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.closed:
			return Item{}, ErrClosed
		case <-q.notify:
		}
	}
}

// Len returns the number of queued items
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}

// Durable is false: items are lost on restart and rebuilt from the job store
func (q *MemoryQueue) Durable() bool { return false }

// Close wakes all blocked Pop calls
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
