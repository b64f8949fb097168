package orderbook

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/invariant"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
	ErrHalted         = errors.New("order book halted")
)

// TradeNamespace seeds deterministic trade ids.
var TradeNamespace = uuid.MustParse("6f1c2a9e-3b7d-5e40-9a8c-2d4e7b1f0c35")

// TradeID derives the id of the single trade a buy/sell pair can produce.
// After any fill one side of the pair is exhausted, so the pair never trades twice.
func TradeID(buyID, sellID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(TradeNamespace, []byte("trade/"+buyID.String()+"/"+sellID.String()))
}

// OrderBook represents a limit order book for one commodity
type OrderBook struct {
	commodity energy.Source
	bids      *orderHeap // max heap for bids
	asks      *orderHeap // min heap for asks

	arena []*Order
	index map[uuid.UUID]int

	tradeSeq  uint64
	lastPrice decimal.NullDecimal
	halted    bool
	nextSeq   func() uint64

	mu sync.Mutex
}

// Option configures an OrderBook.
type Option func(*OrderBook)

// WithSequencer makes Place stamp each admitted order with next() while the
// book lock is held, so time priority follows the order in which the book
// admitted orders.
func WithSequencer(next func() uint64) Option {
	return func(ob *OrderBook) { ob.nextSeq = next }
}

// orderHeap implements heap.Interface
type orderHeap struct {
	orders []*Order
	isAsk  bool // true for asks (min heap), false for bids (max heap)
}

func (h *orderHeap) Len() int { return len(h.orders) }

func (h *orderHeap) Less(i, j int) bool {
	cmp := h.orders[i].Price.Cmp(h.orders[j].Price)
	if cmp == 0 {
		return h.orders[i].Seq < h.orders[j].Seq
	}
	if h.isAsk {
		return cmp < 0
	}
	return cmp > 0
}

func (h *orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.orders[i].index = i
	h.orders[j].index = j
}

func (h *orderHeap) Push(x interface{}) {
	order := x.(*Order)
	order.index = len(h.orders)
	h.orders = append(h.orders, order)
}

func (h *orderHeap) Pop() interface{} {
	old := h.orders
	n := len(old)

	order := old[n-1]
	old[n-1] = nil
	order.index = -1
	h.orders = old[0 : n-1]
	return order
}

func (h *orderHeap) peek() *Order {
	if len(h.orders) == 0 {
		return nil
	}
	return h.orders[0]
}

// New creates an empty book for commodity.
func New(commodity energy.Source, opts ...Option) *OrderBook {
	ob := &OrderBook{
		commodity: commodity,
		bids:      &orderHeap{isAsk: false},
		asks:      &orderHeap{isAsk: true},
		index:     make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

// Commodity returns the commodity the book trades.
func (ob *OrderBook) Commodity() energy.Source { return ob.commodity }

// PlaceResult is the outcome of admitting one order.
type PlaceResult struct {
	Order   Order
	Trades  []Trade
	Expired []Order // stale makers removed while matching
}

// Place admits o, matches it against the opposite side and rests any remainder.
// o.ID must already be assigned, and so must o.Seq unless the book has a
// sequencer. The book takes ownership of o.
func (ob *OrderBook) Place(o *Order, now time.Time) (*PlaceResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.halted {
		return nil, ErrHalted
	}
	if _, exists := ob.index[o.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	if ob.nextSeq != nil {
		o.Seq = ob.nextSeq()
	}

	invariant.Check(o.Commodity == ob.commodity, "order %s for %s placed in %s book", o.ID, o.Commodity, ob.commodity)
	invariant.Check(o.Quantity.IsPositive() && o.Price.IsPositive(), "order %s admitted with quantity %s price %s", o.ID, o.Quantity, o.Price)
	invariant.Check(o.Filled.IsZero(), "order %s admitted with fill %s", o.ID, o.Filled)

	o.Status = Pending
	o.index = -1
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	ob.index[o.ID] = len(ob.arena)
	ob.arena = append(ob.arena, o)

	res := &PlaceResult{}
	ob.match(o, now, res)

	if o.Remaining().IsPositive() {
		heap.Push(ob.side(o.Side), o)
	}
	ob.checkUncrossed()

	res.Order = *o
	return res, nil
}

func (ob *OrderBook) side(s Side) *orderHeap {
	switch s {
	case Buy:
		return ob.bids
	case Sell:
		return ob.asks
	default:
		panic(fmt.Sprintf("orderbook: unknown side %d", int(s)))
	}
}

func crosses(taker, maker *Order) bool {
	if taker.Side == Buy {
		return maker.Price.LessThanOrEqual(taker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}

func (ob *OrderBook) match(taker *Order, now time.Time, res *PlaceResult) {
	opp := ob.side(taker.Side.Opposite())

	// Same-owner makers are lifted out and pushed back afterwards; their Seq is
	// untouched so they regain the exact priority they had.
	var skipped []*Order
	defer func() {
		for _, o := range skipped {
			heap.Push(opp, o)
		}
	}()

	for taker.Remaining().IsPositive() {
		maker := opp.peek()
		if maker == nil || !crosses(taker, maker) {
			return
		}
		if maker.ExpiredAt(now) {
			heap.Pop(opp)
			maker.Status = Expired
			maker.UpdatedAt = now
			res.Expired = append(res.Expired, *maker)
			continue
		}
		if maker.OwnerID == taker.OwnerID {
			skipped = append(skipped, heap.Pop(opp).(*Order))
			continue
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		taker.fill(qty, now)
		maker.fill(qty, now)

		ob.tradeSeq++
		trade := Trade{
			Commodity: ob.commodity,
			Quantity:  qty,
			Price:     maker.Price,
			TakerSide: taker.Side,
			Seq:       ob.tradeSeq,
			Timestamp: now,
		}
		buy, sell := taker, maker
		if taker.Side == Sell {
			buy, sell = maker, taker
		}
		trade.ID = TradeID(buy.ID, sell.ID)
		trade.BuyOrderID, trade.BuyerID = buy.ID, buy.OwnerID
		trade.SellOrderID, trade.SellerID = sell.ID, sell.OwnerID
		invariant.Check(trade.BuyerID != trade.SellerID, "self trade %s for owner %s", trade.ID, trade.BuyerID)

		res.Trades = append(res.Trades, trade)
		ob.lastPrice = decimal.NewNullDecimal(maker.Price)

		if maker.Remaining().IsZero() {
			heap.Pop(opp)
		}
	}
}

// checkUncrossed asserts that the best bid and ask of different owners never cross.
func (ob *OrderBook) checkUncrossed() {
	bid, ask := ob.bids.peek(), ob.asks.peek()
	if bid == nil || ask == nil || bid.OwnerID == ask.OwnerID {
		return
	}
	// Crossed tops are legal only while one of them is an unswept expired order.
	if bid.Price.GreaterThanOrEqual(ask.Price) && bid.ExpiresAt.IsZero() && ask.ExpiresAt.IsZero() {
		invariant.Check(false, "%s book crossed: bid %s >= ask %s", ob.commodity, bid.Price, ask.Price)
	}
}

// Cancel removes the unfilled remainder of the order. It returns false for
// orders already filled, cancelled or expired.
func (ob *OrderBook) Cancel(id uuid.UUID, now time.Time) (Order, bool, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	i, exists := ob.index[id]
	if !exists {
		return Order{}, false, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o := ob.arena[i]
	if o.Status.Terminal() {
		return *o, false, nil
	}
	if ob.halted {
		return *o, false, ErrHalted
	}

	invariant.Check(o.Resting(), "live order %s (%s) is not resting", o.ID, o.Status)
	heap.Remove(ob.side(o.Side), o.index)
	o.Status = Cancelled
	o.UpdatedAt = now
	return *o, true, nil
}

// Expire removes every resting order whose expiry is at or before now.
func (ob *OrderBook) Expire(now time.Time) []Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.halted {
		return nil
	}

	var stale []*Order
	for _, h := range []*orderHeap{ob.bids, ob.asks} {
		for _, o := range h.orders {
			if o.ExpiredAt(now) {
				stale = append(stale, o)
			}
		}
	}

	expired := make([]Order, 0, len(stale))
	for _, o := range stale {
		heap.Remove(ob.side(o.Side), o.index)
		o.Status = Expired
		o.UpdatedAt = now
		expired = append(expired, *o)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Seq < expired[j].Seq })
	return expired
}

// Get returns a copy of the order.
func (ob *OrderBook) Get(id uuid.UUID) (Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	i, exists := ob.index[id]
	if !exists {
		return Order{}, false
	}
	return *ob.arena[i], true
}

// Orders returns copies of every order the book holds, in admission order.
func (ob *OrderBook) Orders() []Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	out := make([]Order, len(ob.arena))
	for i, o := range ob.arena {
		out[i] = *o
	}
	return out
}

// Prune drops terminal orders last updated before cutoff, compacts the arena
// and returns the ids it removed.
func (ob *OrderBook) Prune(cutoff time.Time) []uuid.UUID {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var pruned []uuid.UUID
	kept := ob.arena[:0]
	for _, o := range ob.arena {
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(ob.index, o.ID)
			pruned = append(pruned, o.ID)
			continue
		}
		ob.index[o.ID] = len(kept)
		kept = append(kept, o)
	}
	for i := len(kept); i < len(ob.arena); i++ {
		ob.arena[i] = nil
	}
	ob.arena = kept
	return pruned
}

// GetBestBid returns the best bid price and its remaining quantity
func (ob *OrderBook) GetBestBid() (decimal.Decimal, decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if best := ob.bids.peek(); best != nil {
		return best.Price, best.Remaining(), true
	}
	return decimal.Zero, decimal.Zero, false
}

// GetBestAsk returns the best ask price and its remaining quantity
func (ob *OrderBook) GetBestAsk() (decimal.Decimal, decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if best := ob.asks.peek(); best != nil {
		return best.Price, best.Remaining(), true
	}
	return decimal.Zero, decimal.Zero, false
}

// Halt stops the book from accepting further mutations.
func (ob *OrderBook) Halt() {
	ob.mu.Lock()
	ob.halted = true
	ob.mu.Unlock()
}

// Halted reports whether Halt was called.
func (ob *OrderBook) Halted() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.halted
}

// Stats is a point-in-time count of the book's contents.
type Stats struct {
	Commodity energy.Source `json:"commodity"`
	Bids      int           `json:"bids"`
	Asks      int           `json:"asks"`
	Orders    int           `json:"orders"`
	Trades    uint64        `json:"trades"`
	Halted    bool          `json:"halted"`
}

func (ob *OrderBook) Stats() Stats {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return Stats{
		Commodity: ob.commodity,
		Bids:      ob.bids.Len(),
		Asks:      ob.asks.Len(),
		Orders:    len(ob.arena),
		Trades:    ob.tradeSeq,
		Halted:    ob.halted,
	}
}
