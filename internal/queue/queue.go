// Package queue implements the bounded ingestion queue in front of the engine.
package queue

import (
	"container/list"
	"errors"
	"sync"

	"github.com/floodwatch/floodwatch/internal/types"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of readings. When full, the oldest queued reading
// for the incoming sensor is evicted so the newest always gets in.
// If that sensor has nothing queued, the globally oldest reading is evicted.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    *list.List
	bySensor map[string][]*list.Element
	ready    chan struct{}
	closed   bool
}

// New creates a queue holding at most capacity readings.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		items:    list.New(),
		bySensor: make(map[string][]*list.Element),
		ready:    make(chan struct{}, 1),
	}
}

// Push enqueues a reading. dropped is true when another reading was evicted
// to make room. Push never blocks.
func (q *Queue) Push(r types.Reading) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}

	if q.items.Len() >= q.capacity {
		victim := q.items.Front()
		if elems := q.bySensor[r.SensorID]; len(elems) > 0 {
			victim = elems[0]
		}
		q.remove(victim)
		dropped = true
	}

	e := q.items.PushBack(r)
	q.bySensor[r.SensorID] = append(q.bySensor[r.SensorID], e)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Pop removes the oldest reading. ok is false when the queue is empty.
func (q *Queue) Pop() (r types.Reading, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return types.Reading{}, false
	}
	r = q.remove(front)
	return r, true
}

// Ready is signalled after a push. A single signal may cover many readings,
// so consumers should Pop until empty.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued readings
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return q.capacity
}

// Close rejects further pushes. Queued readings can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) remove(e *list.Element) types.Reading {
	r := q.items.Remove(e).(types.Reading)
	elems := q.bySensor[r.SensorID]
	for i, el := range elems {
		if el == e {
			elems = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(elems) == 0 {
		delete(q.bySensor, r.SensorID)
	} else {
		q.bySensor[r.SensorID] = elems
	}
	return r
}
