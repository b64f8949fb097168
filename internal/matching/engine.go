// Package matching runs the continuous double auction: one price-time book per
// commodity, orders matched on arrival at the resting order's price.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/invariant"
	"github.com/powershare/energymatch/pkg/messaging"
	"github.com/powershare/energymatch/pkg/orderbook"
	"github.com/powershare/energymatch/pkg/units"
)

// OrderNamespace seeds the ids of orders submitted without one.
var OrderNamespace = uuid.MustParse("9d4b1e62-0f3a-5c87-a1d5-3e6f92b08c14")

// OrderID derives the id given to the n-th order submitted without one.
func OrderID(n uint64) uuid.UUID {
	return uuid.NewSHA1(OrderNamespace, []byte("order/"+strconv.FormatUint(n, 10)))
}

const defaultTradeHistory = 10000

// Engine is the order matching engine
type Engine struct {
	booksMu sync.RWMutex
	books   map[energy.Source]*orderbook.OrderBook

	routesMu sync.RWMutex
	routes   map[uuid.UUID]energy.Source
	pruned   map[uuid.UUID]struct{} // ids stay reserved after pruning

	tradesMu     sync.RWMutex
	trades       []orderbook.Trade
	tradeHistory int

	seq        atomic.Uint64 // stamped under the book lock
	ids        atomic.Uint64
	tradeCount atomic.Uint64

	sink          messaging.Sink
	logger        *zap.Logger
	now           func() time.Time
	sweepInterval time.Duration
	source        string

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where committed events go.
func WithSink(s messaging.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSweepInterval sets how often Start runs the expiry sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithTradeHistory bounds the in-memory trade log used by Trades.
func WithTradeHistory(n int) Option {
	return func(e *Engine) { e.tradeHistory = n }
}

// NewEngine creates a new matching engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		books:         make(map[energy.Source]*orderbook.OrderBook),
		routes:        make(map[uuid.UUID]energy.Source),
		pruned:        make(map[uuid.UUID]struct{}),
		tradeHistory:  defaultTradeHistory,
		sink:          messaging.Discard,
		logger:        zap.NewNop(),
		now:           time.Now,
		sweepInterval: time.Second,
		source:        "matching-engine",
		shutdown:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the expiry sweep on a ticker until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if expired := e.ExpireSweep(e.now()); len(expired) > 0 {
					e.logger.Info("expired resting orders", zap.Int("count", len(expired)))
				}
			case <-ctx.Done():
				return
			case <-e.shutdown:
				return
			}
		}
	}()
}

// Stop stops the matching engine
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.shutdown) })
	e.wg.Wait()
}

// OrderRequest is an order as submitted by a caller.
type OrderRequest struct {
	ID        uuid.UUID // optional; generated when zero
	OwnerID   uuid.UUID
	Side      orderbook.Side
	Commodity energy.Source
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	ExpiresAt time.Time // zero means good till cancelled
}

// SubmitResult is the admitted order and the trades it produced.
type SubmitResult struct {
	Order  orderbook.Order   `json:"order"`
	Trades []orderbook.Trade `json:"trades"`
}

func (r *SubmitResult) OrderID() uuid.UUID { return r.Order.ID }

func validate(req OrderRequest, now time.Time) error {
	switch {
	case req.OwnerID == uuid.Nil:
		return &ValidationError{Field: "owner_id", Reason: "is required"}
	case !req.Side.Valid():
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	case !req.Commodity.Valid():
		return &ValidationError{Field: "commodity", Reason: "unknown energy source"}
	case !req.Quantity.IsPositive():
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	case !req.Quantity.Equal(req.Quantity.Round(units.AmountScale)):
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("at most %d decimal places", units.AmountScale)}
	case !req.Price.IsPositive():
		return &ValidationError{Field: "price", Reason: "must be positive"}
	case !req.Price.Equal(units.RoundPrice(req.Price)):
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("at most %d decimal places", units.PriceScale)}
	case !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now):
		return &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	return nil
}

// SubmitOrder validates, sequences and matches an order. Trades are published
// to the sink after the book lock is released; a sink failure is logged and
// never undoes the match.
func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	now := e.now()
	if err := validate(req, now); err != nil {
		return nil, err
	}

	book := e.book(req.Commodity)
	if book.Halted() {
		return nil, fmt.Errorf("%s: %w", req.Commodity, ErrBookHalted)
	}

	id := req.ID
	if id == uuid.Nil {
		id = OrderID(e.ids.Add(1))
	}
	if err := e.reserve(id, req.Commodity); err != nil {
		return nil, err
	}

	order := &orderbook.Order{
		ID:        id,
		OwnerID:   req.OwnerID,
		Side:      req.Side,
		Commodity: req.Commodity,
		Quantity:  req.Quantity,
		Price:     req.Price,
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}

	var res *orderbook.PlaceResult
	err := e.guard(book, "submit", func() (err error) {
		res, err = book.Place(order, now)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrInvariantViolation) {
			e.release(id)
		}
		return nil, err
	}

	e.recordTrades(res.Trades)

	evs := make([]pendingEvent, 0, 1+len(res.Trades)+len(res.Expired))
	evs = append(evs, orderEvent(eventAccepted, res.Order))
	for _, t := range res.Trades {
		evs = append(evs, tradeEvent(t))
	}
	for _, o := range res.Expired {
		evs = append(evs, orderEvent(eventExpired, o))
	}
	e.publish(ctx, evs)

	if len(res.Trades) > 0 {
		e.logger.Debug("order matched",
			zap.Stringer("order_id", id),
			zap.Uint64("seq", res.Order.Seq),
			zap.Int("trades", len(res.Trades)),
			zap.Stringer("status", res.Order.Status))
	}
	return &SubmitResult{Order: res.Order, Trades: res.Trades}, nil
}

// CancelOrder cancels the unfilled remainder. It returns false without error
// when the order is already filled, cancelled or expired.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	e.routesMu.RLock()
	commodity, exists := e.routes[orderID]
	e.routesMu.RUnlock()
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	book := e.book(commodity)
	var (
		order     orderbook.Order
		cancelled bool
	)
	err := e.guard(book, "cancel", func() (err error) {
		order, cancelled, err = book.Cancel(orderID, e.now())
		return err
	})
	if err != nil || !cancelled {
		return false, err
	}

	e.publish(ctx, []pendingEvent{orderEvent(eventCancelled, order)})
	return true, nil
}

// ExpireSweep removes and marks expired every resting order with an expiry at
// or before now.
func (e *Engine) ExpireSweep(now time.Time) []orderbook.Order {
	var expired []orderbook.Order
	for _, book := range e.sortedBooks() {
		var out []orderbook.Order
		if err := e.guard(book, "expire", func() error {
			out = book.Expire(now)
			return nil
		}); err != nil {
			continue
		}
		expired = append(expired, out...)
	}
	if len(expired) == 0 {
		return nil
	}

	evs := make([]pendingEvent, len(expired))
	for i, o := range expired {
		evs[i] = orderEvent(eventExpired, o)
	}
	e.publish(context.Background(), evs)
	return expired
}

// Snapshot returns the top depth levels of the commodity's book.
func (e *Engine) Snapshot(commodity energy.Source, depth int) orderbook.Depth {
	e.booksMu.RLock()
	book, exists := e.books[commodity]
	e.booksMu.RUnlock()

	if !exists {
		return orderbook.Depth{Commodity: commodity, Bids: []orderbook.PriceLevel{}, Asks: []orderbook.PriceLevel{}}
	}
	return book.GetDepth(depth)
}

// guard runs fn against book and turns an invariant violation into a halted
// book and an ErrInvariantViolation. Other panics propagate.
func (e *Engine) guard(book *orderbook.OrderBook, op string, fn func() error) error {
	err := func() (err error) {
		defer invariant.Recover(&err)
		return fn()
	}()

	var v *invariant.Violation
	if !errors.As(err, &v) {
		return err
	}
	book.Halt()
	e.logger.Error("order book halted",
		zap.String("op", op),
		zap.Stringer("commodity", book.Commodity()),
		zap.Error(v))
	return fmt.Errorf("%s %s: %w: %s", op, book.Commodity(), ErrInvariantViolation, v.Msg)
}

func (e *Engine) book(commodity energy.Source) *orderbook.OrderBook {
	e.booksMu.RLock()
	book, exists := e.books[commodity]
	e.booksMu.RUnlock()
	if exists {
		return book
	}

	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	if book, exists = e.books[commodity]; exists {
		return book
	}
	book = orderbook.New(commodity, orderbook.WithSequencer(e.nextSeq))
	e.books[commodity] = book
	return book
}

func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

func (e *Engine) sortedBooks() []*orderbook.OrderBook {
	e.booksMu.RLock()
	books := make([]*orderbook.OrderBook, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.booksMu.RUnlock()

	sort.Slice(books, func(i, j int) bool { return books[i].Commodity() < books[j].Commodity() })
	return books
}

func (e *Engine) reserve(id uuid.UUID, commodity energy.Source) error {
	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	if _, exists := e.routes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	if _, gone := e.pruned[id]; gone {
		return fmt.Errorf("%w: %s was pruned", ErrDuplicateOrder, id)
	}
	e.routes[id] = commodity
	return nil
}

func (e *Engine) release(id uuid.UUID) {
	e.routesMu.Lock()
	delete(e.routes, id)
	e.routesMu.Unlock()
}

func (e *Engine) recordTrades(trades []orderbook.Trade) {
	if len(trades) == 0 {
		return
	}
	e.tradeCount.Add(uint64(len(trades)))

	e.tradesMu.Lock()
	defer e.tradesMu.Unlock()
	e.trades = append(e.trades, trades...)
	if over := len(e.trades) - e.tradeHistory; e.tradeHistory > 0 && over > 0 {
		e.trades = append(e.trades[:0:0], e.trades[over:]...)
	}
}

func (e *Engine) publish(ctx context.Context, specs []pendingEvent) {
	evs, err := e.buildEvents(specs)
	if err != nil {
		e.logger.Error("failed to build events", zap.Error(err))
		return
	}
	if err := e.sink.Publish(ctx, evs); err != nil {
		e.logger.Warn("event sink rejected events",
			zap.Int("count", len(evs)),
			zap.Error(err))
	}
}
