package queue

import (
	"container/heap"
	"math"
	"sync"
)

// Item is a single entry of a PriorityQueue
type Item[T any] struct {
	Value    T
	Priority int64
	index    int
}

// priorityQueueHeap implements heap.Interface
type priorityQueueHeap[T any] []*Item[T]

func (pqh priorityQueueHeap[T]) Len() int {
	return len(pqh)
}

// Less orders by priority: lower values come out first
func (pqh priorityQueueHeap[T]) Less(i, j int) bool {
	return pqh[i].Priority < pqh[j].Priority
}

func (pqh priorityQueueHeap[T]) Swap(i, j int) {
	pqh[i], pqh[j] = pqh[j], pqh[i]
	pqh[i].index = i
	pqh[j].index = j
}

func (pqh *priorityQueueHeap[T]) Push(x any) {
	n := len(*pqh)
	item := x.(*Item[T])
	item.index = n
	*pqh = append(*pqh, item)
}

func (pqh *priorityQueueHeap[T]) Pop() any {
	old := *pqh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pqh = old[0 : n-1]
	return item
}

// PriorityQueue is a thread-safe min-heap. The broker uses time as the priority,
// which turns it into a delay queue.
type PriorityQueue[T any] struct {
	heap priorityQueueHeap[T]
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		heap: make(priorityQueueHeap[T], 0),
	}
	heap.Init(&pq.heap)
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	heap.Push(&pq.heap, &Item[T]{
		Value:    value,
		Priority: priority,
	})
}

// Dequeue removes and returns the lowest priority value
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	return pq.DequeueUpTo(math.MaxInt64)
}

// DequeueUpTo pops the head only when its priority is at most limit.
func (pq *PriorityQueue[T]) DequeueUpTo(limit int64) (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 || pq.heap[0].Priority > limit {
		var zero T
		return zero, false
	}

	item := heap.Pop(&pq.heap).(*Item[T])
	return item.Value, true
}

// PeekPriority returns the priority of the head.
func (pq *PriorityQueue[T]) PeekPriority() (int64, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		return 0, false
	}
	return pq.heap[0].Priority, true
}
