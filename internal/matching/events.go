package matching

import (
	"fmt"
	"time"

	"github.com/powershare/energymatch/pkg/orderbook"
	"github.com/powershare/energymatch/shared/events"
)

type eventKind int

const (
	eventAccepted eventKind = iota
	eventCancelled
	eventExpired
	eventTrade
)

// pendingEvent is built under no lock and serialised just before publishing.
type pendingEvent struct {
	kind  eventKind
	order orderbook.Order
	trade orderbook.Trade
}

func orderEvent(kind eventKind, o orderbook.Order) pendingEvent {
	return pendingEvent{kind: kind, order: o}
}

func tradeEvent(t orderbook.Trade) pendingEvent {
	return pendingEvent{kind: eventTrade, trade: t}
}

func (e *Engine) buildEvents(specs []pendingEvent) ([]events.Event, error) {
	out := make([]events.Event, 0, len(specs))
	for _, s := range specs {
		ev, err := e.buildEvent(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (e *Engine) buildEvent(s pendingEvent) (*events.Event, error) {
	switch s.kind {
	case eventTrade:
		t := s.trade
		data := events.TradeExecutedData{
			TradeID:     t.ID,
			Commodity:   t.Commodity.String(),
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			BuyerID:     t.BuyerID,
			SellerID:    t.SellerID,
			Amount:      t.Quantity.String(),
			Price:       t.Price.String(),
			TakerSide:   t.TakerSide.String(),
			Seq:         t.Seq,
			Timestamp:   t.Timestamp,
		}
		taker := t.BuyOrderID
		if t.TakerSide == orderbook.Sell {
			taker = t.SellOrderID
		}
		md := events.Metadata{Source: e.source}
		md.WithCorrelation(t.ID.String(), taker.String())
		return events.New(t.ID, events.TradeExecuted, t.ID, events.AggregateTrade, t.Timestamp, data, md)

	case eventAccepted:
		return e.orderLifecycle(events.OrderAccepted, s.order, "")
	case eventCancelled:
		return e.orderLifecycle(events.OrderCancelled, s.order, "cancelled by owner")
	case eventExpired:
		return e.orderLifecycle(events.OrderExpired, s.order, "expiry reached")
	default:
		panic(fmt.Sprintf("matching: unknown event kind %d", int(s.kind)))
	}
}

func (e *Engine) orderLifecycle(eventType string, o orderbook.Order, reason string) (*events.Event, error) {
	data := events.OrderData{
		OrderID:   o.ID,
		OwnerID:   o.OwnerID,
		Side:      o.Side.String(),
		Commodity: o.Commodity.String(),
		Quantity:  o.Quantity.String(),
		Price:     o.Price.String(),
		Filled:    o.Filled.String(),
		Status:    o.Status.String(),
		Seq:       o.Seq,
		Reason:    reason,
	}
	if !o.ExpiresAt.IsZero() {
		at := o.ExpiresAt
		data.ExpiresAt = &at
	}
	md := events.Metadata{Source: e.source, UserID: o.OwnerID.String()}
	md.WithCorrelation(o.ID.String(), "")
	return events.New(events.DeriveID(eventType, o.ID), eventType, o.ID, events.AggregateOrder, eventTime(o), data, md)
}

func eventTime(o orderbook.Order) time.Time {
	if o.UpdatedAt.IsZero() {
		return o.CreatedAt
	}
	return o.UpdatedAt
}

