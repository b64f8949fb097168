// Package messaging defines where committed trades and matches go once the
// matching core has released its locks, and ships adapters for the brokers the
// platform runs.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/powershare/energymatch/shared/events"
)

// Sink receives committed events. Implementations must tolerate redelivery:
// every event id is deterministic, and at-least-once delivery may repeat one.
type Sink interface {
	Publish(ctx context.Context, evs []events.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evs []events.Event) error

func (f SinkFunc) Publish(ctx context.Context, evs []events.Event) error {
	return f(ctx, evs)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, []events.Event) error { return nil })

// Named pairs a sink with the name used in logs and breaker state.
type Named struct {
	Name string
	Sink Sink
}

// Fanout publishes to every sink concurrently and joins their errors.
type Fanout []Named

func (f Fanout) Publish(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 || len(f) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range f {
		n := n
		g.Go(func() error {
			if err := n.Sink.Publish(gctx, evs); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ChannelSink forwards events to a channel. Publish blocks until the events
// are accepted or ctx is done.
type ChannelSink struct {
	C chan events.Event
}

// NewChannelSink returns a sink backed by a channel of the given capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{C: make(chan events.Event, capacity)}
}

func (s *ChannelSink) Publish(ctx context.Context, evs []events.Event) error {
	for _, e := range evs {
		select {
		case s.C <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *Recorder) Publish(_ context.Context, evs []events.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, evs...)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(eventType string) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
