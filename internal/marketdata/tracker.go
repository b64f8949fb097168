// Package marketdata derives a trade tape and per-commodity statistics from
// executed trades, and mirrors them to Redis for dashboards.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/shared/events"
)

const (
	DefaultTapeSize     = 100
	DefaultDedupeWindow = 10000
)

// Tick is one trade on the tape.
type Tick struct {
	TradeID   uuid.UUID       `json:"trade_id"`
	Commodity string          `json:"commodity"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TakerSide string          `json:"taker_side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stats summarises trading in one commodity since the tracker started.
type Stats struct {
	Commodity     string          `json:"commodity"`
	OpenPrice     decimal.Decimal `json:"open_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	Change        decimal.Decimal `json:"price_change"`
	ChangePercent float64         `json:"price_change_percent"`
	Trades        int64           `json:"trade_count"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Tracker is a messaging.Sink that folds TradeExecuted events into a bounded
// tape and running statistics. Redelivered events are ignored by id.
type Tracker struct {
	mu     sync.RWMutex
	tape   []Tick
	head   int
	full   bool
	stats  map[string]*Stats
	seen   map[uuid.UUID]struct{}
	order  []uuid.UUID
	window int
	logger *zap.Logger
}

type TrackerOption func(*Tracker)

// WithTapeSize bounds the number of ticks kept.
func WithTapeSize(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.tape = make([]Tick, n)
		}
	}
}

// WithDedupeWindow bounds how many event ids are remembered.
func WithDedupeWindow(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.window = n
		}
	}
}

func WithTrackerLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		tape:   make([]Tick, DefaultTapeSize),
		stats:  make(map[string]*Stats),
		seen:   make(map[uuid.UUID]struct{}),
		window: DefaultDedupeWindow,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish implements messaging.Sink. Events other than TradeExecuted are ignored.
func (t *Tracker) Publish(_ context.Context, evs []events.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range evs {
		ev := &evs[i]
		if ev.Type != events.TradeExecuted || t.remember(ev.ID) {
			continue
		}
		data, err := events.ParseData[events.TradeExecutedData](ev)
		if err != nil {
			t.logger.Warn("skipping malformed trade event", zap.Stringer("event_id", ev.ID), zap.Error(err))
			continue
		}
		tick, err := tickFrom(data)
		if err != nil {
			t.logger.Warn("skipping trade with bad numbers", zap.Stringer("trade_id", data.TradeID), zap.Error(err))
			continue
		}
		t.record(tick)
	}
	return nil
}

// remember reports whether id was already seen, and records it if not.
func (t *Tracker) remember(id uuid.UUID) bool {
	if _, ok := t.seen[id]; ok {
		return true
	}
	t.seen[id] = struct{}{}
	t.order = append(t.order, id)
	if len(t.order) > t.window {
		delete(t.seen, t.order[0])
		t.order = t.order[1:]
	}
	return false
}

func tickFrom(d *events.TradeExecutedData) (Tick, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return Tick{}, err
	}
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return Tick{}, err
	}
	return Tick{
		TradeID:   d.TradeID,
		Commodity: d.Commodity,
		Price:     price,
		Amount:    amount,
		TakerSide: d.TakerSide,
		Timestamp: d.Timestamp,
	}, nil
}

func (t *Tracker) record(tick Tick) {
	t.tape[t.head] = tick
	t.head = (t.head + 1) % len(t.tape)
	if t.head == 0 {
		t.full = true
	}

	s, ok := t.stats[tick.Commodity]
	if !ok {
		s = &Stats{
			Commodity: tick.Commodity,
			OpenPrice: tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Volume:    decimal.Zero,
		}
		t.stats[tick.Commodity] = s
	}
	s.LastPrice = tick.Price
	s.High = decimal.Max(s.High, tick.Price)
	s.Low = decimal.Min(s.Low, tick.Price)
	s.Volume = s.Volume.Add(tick.Amount)
	s.Change = s.LastPrice.Sub(s.OpenPrice)
	if s.OpenPrice.IsPositive() {
		s.ChangePercent = s.Change.Div(s.OpenPrice).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	s.Trades++
	s.UpdatedAt = tick.Timestamp
}

// Recent returns up to limit ticks, newest first. An empty commodity matches
// all; limit <= 0 returns the whole tape.
func (t *Tracker) Recent(commodity string, limit int) []Tick {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.head
	if t.full {
		n = len(t.tape)
	}
	out := make([]Tick, 0, n)
	for i := 1; i <= n; i++ {
		tick := t.tape[(t.head-i+len(t.tape))%len(t.tape)]
		if commodity != "" && tick.Commodity != commodity {
			continue
		}
		out = append(out, tick)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats returns the statistics for one commodity.
func (t *Tracker) Stats(commodity string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[commodity]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// AllStats returns statistics for every traded commodity, sorted by name.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Commodity < out[j].Commodity })
	return out
}
