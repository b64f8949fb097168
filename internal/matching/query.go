package matching

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/orderbook"
)

// DefaultListLimit caps listings when the filter gives no limit.
const DefaultListLimit = 50

// OrderFilter selects orders for Orders. Nil pointers match everything.
type OrderFilter struct {
	OwnerID   uuid.UUID
	Commodity *energy.Source
	Status    *orderbook.Status
	Side      *orderbook.Side
	Limit     int
}

func (f OrderFilter) match(o orderbook.Order) bool {
	switch {
	case f.OwnerID != uuid.Nil && o.OwnerID != f.OwnerID:
		return false
	case f.Status != nil && o.Status != *f.Status:
		return false
	case f.Side != nil && o.Side != *f.Side:
		return false
	}
	return true
}

// TradeFilter selects trades for Trades.
type TradeFilter struct {
	OwnerID   uuid.UUID // buyer or seller
	Commodity *energy.Source
	Limit     int
}

func (f TradeFilter) match(t orderbook.Trade) bool {
	if f.OwnerID != uuid.Nil && t.BuyerID != f.OwnerID && t.SellerID != f.OwnerID {
		return false
	}
	return f.Commodity == nil || t.Commodity == *f.Commodity
}

func limitOf(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

// GetOrder returns a copy of the order.
func (e *Engine) GetOrder(orderID uuid.UUID) (orderbook.Order, bool) {
	e.routesMu.RLock()
	commodity, exists := e.routes[orderID]
	e.routesMu.RUnlock()
	if !exists {
		return orderbook.Order{}, false
	}
	return e.book(commodity).Get(orderID)
}

// Orders lists matching orders, newest first.
func (e *Engine) Orders(f OrderFilter) []orderbook.Order {
	var out []orderbook.Order
	for _, book := range e.sortedBooks() {
		if f.Commodity != nil && book.Commodity() != *f.Commodity {
			continue
		}
		for _, o := range book.Orders() {
			if f.match(o) {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit := limitOf(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Trades lists matching trades from the retained history, newest first.
func (e *Engine) Trades(f TradeFilter) []orderbook.Trade {
	limit := limitOf(f.Limit)

	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()

	out := make([]orderbook.Trade, 0)
	for i := len(e.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if f.match(e.trades[i]) {
			out = append(out, e.trades[i])
		}
	}
	return out
}

// Stats is an engine-wide summary.
type Stats struct {
	Books    []orderbook.Stats `json:"books"`
	Orders   int               `json:"orders"`
	Resting  int               `json:"resting"`
	Trades   uint64            `json:"trades"`
	Sequence uint64            `json:"sequence"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Trades:   e.tradeCount.Load(),
		Sequence: e.seq.Load(),
	}
	for _, book := range e.sortedBooks() {
		bs := book.Stats()
		s.Books = append(s.Books, bs)
		s.Orders += bs.Orders
		s.Resting += bs.Bids + bs.Asks
	}
	return s
}

// PruneTerminal forgets terminal orders last updated before cutoff. Their ids
// remain reserved, so trade ids derived from them are never reused.
func (e *Engine) PruneTerminal(cutoff time.Time) int {
	total := 0
	for _, book := range e.sortedBooks() {
		ids := book.Prune(cutoff)
		if len(ids) == 0 {
			continue
		}
		e.routesMu.Lock()
		for _, id := range ids {
			delete(e.routes, id)
			e.pruned[id] = struct{}{}
		}
		e.routesMu.Unlock()
		total += len(ids)
	}
	return total
}
