// Package audio holds the PCM side of a call: bounded frame queues between
// the device callbacks and the media loops, the PCM16 payload codec and a
// synthetic device for headless runs.
package audio

import "sync/atomic"

// Queue is a bounded FIFO that never blocks the producer. When full, the
// oldest element is discarded to make room.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues v and reports whether an older element was discarded.
func (q *Queue[T]) Push(v T) (droppedOldest bool) {
	for {
		select {
		case q.ch <- v:
			return droppedOldest
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			droppedOldest = true
		default:
		}
	}
}

// TryPop returns the oldest element without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// C exposes the queue for select loops.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped counts elements discarded by Push.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Drain discards everything currently queued.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
