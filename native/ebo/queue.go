package ebo

import "container/heap"

// eventHeap orders events ascending by (block number, log index).
type eventHeap []Event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].Position().Before(h[j].Position()) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Event{}
	*h = old[:n-1]
	return item
}

// EventQueue is a min-priority queue of events in chain order. It is not safe
// for concurrent use.
type EventQueue struct {
	items eventHeap
}

// Push inserts an event.
func (q *EventQueue) Push(e Event) {
	heap.Push(&q.items, e)
}

// Pop removes and returns the oldest event.
func (q *EventQueue) Pop() (Event, bool) {
	if len(q.items) == 0 {
		return Event{}, false
	}
	return heap.Pop(&q.items).(Event), true
}

// Peek returns the oldest event without removing it.
func (q *EventQueue) Peek() (Event, bool) {
	if len(q.items) == 0 {
		return Event{}, false
	}
	return q.items[0], true
}

func (q *EventQueue) Len() int { return len(q.items) }

func (q *EventQueue) Empty() bool { return len(q.items) == 0 }
