// Package notify delivers engine lifecycle events to external consumers.
package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

// Sink receives lifecycle events in sequence order
type Sink interface {
	Name() string
	Send(ctx context.Context, ev types.Event) error
}

// EventSource is satisfied by the engine
type EventSource interface {
	Subscribe() (<-chan types.Event, func())
}

// Dispatcher gives every sink its own subscription so a slow sink only
// delays itself. Failed sends are retried with backoff before being counted
// as failed and skipped.
type Dispatcher struct {
	source      EventSource
	sinks       []Sink
	log         zerolog.Logger
	sendTimeout time.Duration
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given sinks
func NewDispatcher(source EventSource, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		source:      source,
		sinks:       sinks,
		log:         log.With().Str("component", "dispatcher").Logger(),
		sendTimeout: 10 * time.Second,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
	}
}

// Start subscribes every sink. Delivery runs until the event stream closes
// (engine stopped and drained) or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, s := range d.sinks {
		events, cancel := d.source.Subscribe()
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			defer cancel()
			d.deliver(ctx, s, events)
		}(s)
		d.log.Info().Str("sink", s.Name()).Msg("sink subscribed")
	}
}

// Wait blocks until every sink goroutine has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				d.log.Debug().Str("sink", s.Name()).Msg("event stream closed")
				return
			}
			d.sendWithRetry(ctx, s, ev)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, s Sink, ev types.Event) {
	backoff := d.backoff
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err = d.safeSend(ctx, s, ev)
		if err == nil {
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "success").Inc()
			return
		}
		if errors.Is(err, context.Canceled) || attempt == d.maxAttempts {
			break
		}
		d.log.Warn().
			Err(err).
			Str("sink", s.Name()).
			Uint64("seq", ev.Seq).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("event delivery failed, retrying")

		select {
		case <-ctx.Done():
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "failed").Inc()
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "failed").Inc()
	d.log.Error().
		Err(err).
		Str("sink", s.Name()).
		Uint64("seq", ev.Seq).
		Str("type", string(ev.Type)).
		Msg("event delivery failed")
}

func (d *Dispatcher) safeSend(ctx context.Context, s Sink, ev types.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("sink", s.Name()).
				Msg("sink panic recovered")
			metrics.PanicsRecovered.WithLabelValues("notify").Inc()
			err = errors.New("sink panicked")
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return s.Send(sendCtx, ev)
}
