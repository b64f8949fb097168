package orderbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/invariant"
)

// Side represents order side
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		panic(fmt.Sprintf("orderbook: unknown side %d", int(s)))
	}
}

// Opposite returns the side an order of s trades against.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		panic(fmt.Sprintf("orderbook: unknown side %d", int(s)))
	}
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide maps "buy"/"sell" (also "bid"/"ask") to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "bid", "BUY":
		return Buy, nil
	case "sell", "ask", "SELL":
		return Sell, nil
	}
	return Buy, fmt.Errorf("unknown order side %q", s)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown order side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status is the lifecycle state of an order.
type Status int8

const (
	Pending Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		panic(fmt.Sprintf("orderbook: unknown status %d", int(s)))
	}
}

// Terminal reports whether no further mutation can happen to the order.
func (s Status) Terminal() bool {
	switch s {
	case Pending, PartiallyFilled:
		return false
	case Filled, Cancelled, Expired:
		return true
	default:
		panic(fmt.Sprintf("orderbook: unknown status %d", int(s)))
	}
}

// ParseStatus maps a status name to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "partially_filled", "partial":
		return PartiallyFilled, nil
	case "filled":
		return Filled, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	case "expired":
		return Expired, nil
	}
	return Pending, fmt.Errorf("unknown order status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s < Pending || s > Expired {
		return nil, fmt.Errorf("unknown order status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Order represents an order in the book
type Order struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Side      Side            `json:"side"`
	Commodity energy.Source   `json:"commodity"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Filled    decimal.Decimal `json:"filled"`
	Seq       uint64          `json:"seq"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`

	index int // position in its side heap, -1 when not resting
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Resting reports whether the order currently sits in a book heap.
func (o *Order) Resting() bool {
	return o.index >= 0
}

// ExpiredAt reports whether the order has an expiry at or before now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}

func (o *Order) fill(qty decimal.Decimal, now time.Time) {
	invariant.Check(qty.IsPositive(), "order %s: non-positive fill %s", o.ID, qty)
	invariant.Check(!o.Status.Terminal(), "order %s: fill on terminal order (%s)", o.ID, o.Status)

	o.Filled = o.Filled.Add(qty)
	rem := o.Remaining()
	invariant.Check(!rem.IsNegative(), "order %s: negative remaining %s", o.ID, rem)

	if rem.IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedAt = now
}

// Trade represents an executed trade
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	Commodity   energy.Source   `json:"commodity"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	BuyerID     uuid.UUID       `json:"buyer_id"`
	SellerID    uuid.UUID       `json:"seller_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TakerSide   Side            `json:"taker_side"`
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
}
