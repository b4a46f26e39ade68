package worker

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// Queue is an unbounded FIFO safe for any number of producers and consumers.
// Push, Pop and Len are each atomic; the queue offers no compound operations.
type Queue[T any] struct {
	mu   sync.Mutex
	list *doublylinkedlist.List
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		list: doublylinkedlist.New(),
	}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.list.Add(v)
}

// Pop removes the oldest element. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head, found := q.list.Get(0)
	if !found {
		return v, false
	}
	q.list.Remove(0)
	return head.(T), true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.list.Size()
}

// Drain pops every element currently queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.list.Size())
	for _, v := range q.list.Values() {
		out = append(out, v.(T))
	}
	q.list.Clear()
	return out
}
