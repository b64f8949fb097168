package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/powershare/energymatch/pkg/circuit"
	"github.com/powershare/energymatch/pkg/outbox"
	"github.com/powershare/energymatch/shared/events"
)

// Queue is the durable side of the relay.
type Queue interface {
	Pending(limit int) ([]outbox.Entry, error)
	Ack(seqs ...uint64) error
	Nack(e outbox.Entry, at time.Time) error
}

// RelayConfig holds relay tuning.
type RelayConfig struct {
	BatchSize int
	Interval  time.Duration
	Breaker   circuit.Config
}

// Relay moves queued events to downstream sinks. A batch is acknowledged only
// once every sink accepted it; otherwise it stays queued and is retried, which
// is what makes delivery at-least-once.
type Relay struct {
	queue    Queue
	sinks    []Named
	breakers *circuit.BreakerGroup
	cfg      RelayConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewRelay creates a relay from queue to sinks.
func NewRelay(queue Queue, sinks []Named, cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("sink breaker state changed",
				zap.String("sink", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
	}
	return &Relay{
		queue:    queue,
		sinks:    sinks,
		breakers: circuit.NewBreakerGroup(breakerCfg),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("relay flush incomplete", zap.Error(err))
			}
		}
	}
}

// Flush delivers queued batches until the queue is empty or a batch fails.
// It returns the number of events acknowledged.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		entries, err := r.queue.Pending(r.cfg.BatchSize)
		if err != nil {
			return delivered, fmt.Errorf("read outbox: %w", err)
		}
		if len(entries) == 0 {
			return delivered, nil
		}

		if err := r.deliver(ctx, entries); err != nil {
			at := r.now()
			for _, e := range entries {
				if nerr := r.queue.Nack(e, at); nerr != nil {
					err = errors.Join(err, nerr)
					break
				}
			}
			return delivered, err
		}

		seqs := make([]uint64, len(entries))
		for i, e := range entries {
			seqs[i] = e.Seq
		}
		if err := r.queue.Ack(seqs...); err != nil {
			return delivered, fmt.Errorf("ack outbox: %w", err)
		}
		delivered += len(entries)
		r.logger.Debug("relayed events", zap.Int("count", len(entries)), zap.Uint64("last_seq", seqs[len(seqs)-1]))
	}
}

func (r *Relay) deliver(ctx context.Context, entries []outbox.Entry) error {
	evs := make([]events.Event, len(entries))
	for i, e := range entries {
		evs[i] = e.Event
	}

	var errs []error
	for _, s := range r.sinks {
		s := s
		err := r.breakers.Execute(ctx, s.Name, func(ctx context.Context) error {
			return s.Sink.Publish(ctx, evs)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// BreakerStates reports the breaker of every sink that has been called.
func (r *Relay) BreakerStates() map[string]circuit.State {
	return r.breakers.States()
}
