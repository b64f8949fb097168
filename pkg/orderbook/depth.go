package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/energy"
)

// PriceLevel represents a price level in the book
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a read-only view of the top of the book.
type Depth struct {
	Commodity      energy.Source       `json:"commodity"`
	Bids           []PriceLevel        `json:"bids"`
	Asks           []PriceLevel        `json:"asks"`
	LastTradePrice decimal.NullDecimal `json:"last_trade_price"`
	Spread         decimal.NullDecimal `json:"spread"`
}

type entry struct {
	price     decimal.Decimal
	remaining decimal.Decimal
}

// GetDepth returns up to levels aggregated price levels per side. Resting
// entries are copied under the lock; aggregation and sorting happen after it
// is released.
func (ob *OrderBook) GetDepth(levels int) Depth {
	ob.mu.Lock()
	bids := copyEntries(ob.bids)
	asks := copyEntries(ob.asks)
	last := ob.lastPrice
	ob.mu.Unlock()

	d := Depth{
		Commodity:      ob.commodity,
		Bids:           aggregateLevels(bids, levels, true),
		Asks:           aggregateLevels(asks, levels, false),
		LastTradePrice: last,
	}
	if len(d.Bids) > 0 && len(d.Asks) > 0 {
		d.Spread = decimal.NewNullDecimal(d.Asks[0].Price.Sub(d.Bids[0].Price))
	}
	return d
}

func copyEntries(h *orderHeap) []entry {
	out := make([]entry, 0, len(h.orders))
	for _, o := range h.orders {
		out = append(out, entry{price: o.Price, remaining: o.Remaining()})
	}
	return out
}

func aggregateLevels(entries []entry, maxLevels int, descending bool) []PriceLevel {
	sort.Slice(entries, func(i, j int) bool {
		if descending {
			return entries[i].price.GreaterThan(entries[j].price)
		}
		return entries[i].price.LessThan(entries[j].price)
	})

	result := make([]PriceLevel, 0)
	for _, e := range entries {
		if e.remaining.IsZero() {
			continue
		}
		if n := len(result); n > 0 && result[n-1].Price.Equal(e.price) {
			result[n-1].Quantity = result[n-1].Quantity.Add(e.remaining)
			result[n-1].Orders++
			continue
		}
		if maxLevels > 0 && len(result) == maxLevels {
			break
		}
		result = append(result, PriceLevel{Price: e.price, Quantity: e.remaining, Orders: 1})
	}
	return result
}
