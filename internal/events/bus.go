// Package events fans lifecycle events out to subscribers.
//
// Every subscriber gets its own unbounded buffer drained by a pump goroutine,
// so a slow notifier never blocks the engine and never loses events.
package events

import (
	"context"
	"sync"

	"github.com/floodwatch/floodwatch/internal/types"
)

// Bus assigns sequence numbers and delivers events in order to each subscriber.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	mu      sync.Mutex
	pending []types.Event
	closing bool
	signal  chan struct{}
	done    chan struct{}
	out     chan types.Event
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of events published from now on. The channel is
// closed after cancel is called or the bus is closed and drained.
func (b *Bus) Subscribe() (<-chan types.Event, func()) {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan types.Event),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		s.run()
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.out, cancel
}

// Publish stamps the event with the next sequence number and queues it for
// every subscriber. It never blocks on slow consumers.
func (b *Bus) Publish(ev types.Event) types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if b.closed {
		return ev
	}
	for _, s := range b.subs {
		s.push(ev)
	}
	return ev
}

// Seq returns the last assigned sequence number
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close stops accepting events and waits until subscribers have drained
// their buffers or ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, s := range b.subs {
			s.close()
		}
	}
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) push(ev types.Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closing := s.closing
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}
