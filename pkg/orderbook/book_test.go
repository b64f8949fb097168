package orderbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powershare/energymatch/pkg/energy"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	carol = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

type builder struct{ seq uint64 }

func (b *builder) order(owner uuid.UUID, side Side, qty, price string) *Order {
	b.seq++
	return &Order{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("order/%d", b.seq))),
		OwnerID:   owner,
		Side:      side,
		Commodity: energy.Solar,
		Quantity:  decimal.RequireFromString(qty),
		Price:     decimal.RequireFromString(price),
		Seq:       b.seq,
	}
}

func place(t *testing.T, ob *OrderBook, o *Order) *PlaceResult {
	t.Helper()
	res, err := ob.Place(o, t0)
	require.NoError(t, err)
	return res
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOrderBook_Place(t *testing.T) {
	t.Run("should match across levels at maker prices", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		s1 := b.order(alice, Sell, "6", "0.25")
		s2 := b.order(bob, Sell, "10", "0.28")
		place(t, ob, s1)
		place(t, ob, s2)

		res := place(t, ob, b.order(carol, Buy, "10", "0.30"))

		require.Len(t, res.Trades, 2)
		assert.True(t, res.Trades[0].Quantity.Equal(dec("6")))
		assert.True(t, res.Trades[0].Price.Equal(dec("0.25")))
		assert.True(t, res.Trades[1].Quantity.Equal(dec("4")))
		assert.True(t, res.Trades[1].Price.Equal(dec("0.28")))
		assert.Equal(t, Filled, res.Order.Status)

		first, _ := ob.Get(s1.ID)
		assert.Equal(t, Filled, first.Status)
		second, _ := ob.Get(s2.ID)
		assert.Equal(t, PartiallyFilled, second.Status)
		assert.True(t, second.Remaining().Equal(dec("6")))

		price, qty, ok := ob.GetBestAsk()
		require.True(t, ok)
		assert.True(t, price.Equal(dec("0.28")))
		assert.True(t, qty.Equal(dec("6")))
	})

	t.Run("should honour time priority at equal price", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		early := b.order(alice, Sell, "5", "0.20")
		late := b.order(bob, Sell, "5", "0.20")
		place(t, ob, early)
		place(t, ob, late)

		res := place(t, ob, b.order(carol, Buy, "10", "0.20"))

		require.Len(t, res.Trades, 2)
		assert.Equal(t, early.ID, res.Trades[0].SellOrderID)
		assert.Equal(t, late.ID, res.Trades[1].SellOrderID)
		assert.Equal(t, uint64(1), res.Trades[0].Seq)
		assert.Equal(t, uint64(2), res.Trades[1].Seq)
	})

	t.Run("should skip own orders and keep their priority", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		own := b.order(alice, Sell, "5", "0.20")
		other := b.order(bob, Sell, "5", "0.22")
		place(t, ob, own)
		place(t, ob, other)

		res := place(t, ob, b.order(alice, Buy, "8", "0.25"))

		require.Len(t, res.Trades, 1)
		assert.Equal(t, other.ID, res.Trades[0].SellOrderID)
		assert.NotEqual(t, res.Trades[0].BuyerID, res.Trades[0].SellerID)
		assert.Equal(t, PartiallyFilled, res.Order.Status)

		// the skipped ask is still the best ask for everyone else
		res = place(t, ob, b.order(carol, Buy, "1", "0.25"))
		require.Len(t, res.Trades, 1)
		assert.Equal(t, own.ID, res.Trades[0].SellOrderID)
	})

	t.Run("should rest a non-crossing order", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		place(t, ob, b.order(alice, Sell, "5", "0.30"))
		res := place(t, ob, b.order(bob, Buy, "5", "0.29"))

		assert.Empty(t, res.Trades)
		assert.Equal(t, Pending, res.Order.Status)
		stats := ob.Stats()
		assert.Equal(t, 1, stats.Bids)
		assert.Equal(t, 1, stats.Asks)
	})

	t.Run("should reject duplicate ids", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		o := b.order(alice, Sell, "5", "0.30")
		place(t, ob, o)

		dup := *o
		_, err := ob.Place(&dup, t0)
		assert.ErrorIs(t, err, ErrDuplicateOrder)
	})

	t.Run("should refuse orders when halted", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		ob.Halt()
		_, err := ob.Place(b.order(alice, Sell, "5", "0.30"), t0)
		assert.ErrorIs(t, err, ErrHalted)
		assert.True(t, ob.Halted())
	})

	t.Run("should drop expired makers while matching", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		stale := b.order(alice, Sell, "5", "0.20")
		stale.ExpiresAt = t0.Add(time.Minute)
		fresh := b.order(bob, Sell, "5", "0.21")
		place(t, ob, stale)
		place(t, ob, fresh)

		res, err := ob.Place(b.order(carol, Buy, "5", "0.25"), t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, res.Expired, 1)
		assert.Equal(t, stale.ID, res.Expired[0].ID)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, fresh.ID, res.Trades[0].SellOrderID)
	})
}

func TestOrderBook_Cancel(t *testing.T) {
	t.Run("should cancel once", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		o := b.order(alice, Buy, "5", "0.20")
		place(t, ob, o)

		got, ok, err := ob.Cancel(o.ID, t0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, Cancelled, got.Status)

		got, ok, err = ob.Cancel(o.ID, t0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Cancelled, got.Status)
		assert.Equal(t, 0, ob.Stats().Bids)
	})

	t.Run("should not cancel a filled order", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		ask := b.order(alice, Sell, "5", "0.20")
		place(t, ob, ask)
		place(t, ob, b.order(bob, Buy, "5", "0.20"))

		got, ok, err := ob.Cancel(ask.ID, t0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Filled, got.Status)
		assert.True(t, got.Filled.Equal(dec("5")))
	})

	t.Run("should keep filled part of a partial order", func(t *testing.T) {
		var b builder
		ob := New(energy.Solar)
		ask := b.order(alice, Sell, "10", "0.20")
		place(t, ob, ask)
		place(t, ob, b.order(bob, Buy, "4", "0.20"))

		got, ok, err := ob.Cancel(ask.ID, t0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, got.Filled.Equal(dec("4")))
		assert.True(t, got.Remaining().Equal(dec("6")))
	})

	t.Run("should report unknown ids", func(t *testing.T) {
		ob := New(energy.Solar)
		_, ok, err := ob.Cancel(uuid.New(), t0)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestOrderBook_Expire(t *testing.T) {
	var b builder
	ob := New(energy.Solar)
	short := b.order(alice, Buy, "5", "0.20")
	short.ExpiresAt = t0.Add(time.Hour)
	gtc := b.order(bob, Buy, "5", "0.19")
	place(t, ob, short)
	place(t, ob, gtc)

	assert.Empty(t, ob.Expire(t0.Add(30*time.Minute)))

	expired := ob.Expire(t0.Add(time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].ID)
	assert.Equal(t, Expired, expired[0].Status)

	_, ok, err := ob.Cancel(short.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	price, _, ok := ob.GetBestBid()
	require.True(t, ok)
	assert.True(t, price.Equal(dec("0.19")))
}

func TestOrderBook_GetDepth(t *testing.T) {
	var b builder
	ob := New(energy.Solar)
	place(t, ob, b.order(alice, Buy, "5", "0.20"))
	place(t, ob, b.order(bob, Buy, "3", "0.20"))
	place(t, ob, b.order(bob, Buy, "2", "0.22"))
	place(t, ob, b.order(alice, Buy, "1", "0.18"))
	place(t, ob, b.order(carol, Sell, "4", "0.25"))
	place(t, ob, b.order(carol, Sell, "4", "0.24"))

	t.Run("should aggregate and sort levels", func(t *testing.T) {
		d := ob.GetDepth(2)

		require.Len(t, d.Bids, 2)
		assert.True(t, d.Bids[0].Price.Equal(dec("0.22")))
		assert.True(t, d.Bids[1].Price.Equal(dec("0.20")))
		assert.True(t, d.Bids[1].Quantity.Equal(dec("8")))
		assert.Equal(t, 2, d.Bids[1].Orders)

		require.Len(t, d.Asks, 2)
		assert.True(t, d.Asks[0].Price.Equal(dec("0.24")))
		require.True(t, d.Spread.Valid)
		assert.True(t, d.Spread.Decimal.Equal(dec("0.02")))
		assert.False(t, d.LastTradePrice.Valid)
	})

	t.Run("should report last trade price", func(t *testing.T) {
		place(t, ob, b.order(alice, Sell, "1", "0.21"))
		d := ob.GetDepth(0)
		require.True(t, d.LastTradePrice.Valid)
		assert.True(t, d.LastTradePrice.Decimal.Equal(dec("0.22")))
		assert.Len(t, d.Bids, 3)
	})

	t.Run("should omit spread for a one-sided book", func(t *testing.T) {
		one := New(energy.Wind)
		_, err := one.Place(&Order{ID: uuid.New(), OwnerID: alice, Side: Buy, Commodity: energy.Wind,
			Quantity: dec("1"), Price: dec("0.1"), Seq: 1}, t0)
		require.NoError(t, err)
		assert.False(t, one.GetDepth(5).Spread.Valid)
	})
}

func TestOrderBook_Prune(t *testing.T) {
	var b builder
	ob := New(energy.Solar)
	done := b.order(alice, Buy, "5", "0.20")
	live := b.order(bob, Buy, "5", "0.19")
	place(t, ob, done)
	place(t, ob, live)
	_, _, err := ob.Cancel(done.ID, t0)
	require.NoError(t, err)

	assert.Empty(t, ob.Prune(t0))
	assert.Equal(t, []uuid.UUID{done.ID}, ob.Prune(t0.Add(time.Second)))

	_, ok := ob.Get(done.ID)
	assert.False(t, ok)
	got, ok := ob.Get(live.ID)
	require.True(t, ok)
	assert.Equal(t, live.ID, got.ID)

	_, ok, err = ob.Cancel(live.ID, t0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTradeID(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, TradeID(a, b), TradeID(a, b))
	assert.NotEqual(t, TradeID(a, b), TradeID(b, a))
}
