package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Order events
	OrderAccepted  = "order.accepted"
	OrderCancelled = "order.cancelled"
	OrderExpired   = "order.expired"

	// Exchange events
	TradeExecuted = "trade.executed"
	MatchProduced = "match.produced"
)

// Aggregate types
const (
	AggregateOrder = "order"
	AggregateTrade = "trade"
	AggregateMatch = "match"
)

// Namespace seeds deterministic event ids.
var Namespace = uuid.MustParse("2b8e5f0a-7c41-5d9e-b3a6-81f4c0d2e957")

// DeriveID returns the id of the eventType event about aggregateID. Redelivered
// events carry the same id, so consumers deduplicate on it.
func DeriveID(eventType string, aggregateID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(eventType+"/"+aggregateID.String()))
}

// Event is the envelope every sink receives
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata contains event metadata
type Metadata struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Source        string            `json:"source"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// OrderData contains order lifecycle event data
type OrderData struct {
	OrderID   uuid.UUID  `json:"order_id"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	Side      string     `json:"side"`
	Commodity string     `json:"commodity"`
	Quantity  string     `json:"quantity"`
	Price     string     `json:"price"`
	Filled    string     `json:"filled"`
	Status    string     `json:"status"`
	Seq       uint64     `json:"seq"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// TradeExecutedData contains book trade data
type TradeExecutedData struct {
	TradeID     uuid.UUID `json:"trade_id"`
	Commodity   string    `json:"commodity"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	Amount      string    `json:"amount"`
	Price       string    `json:"price"`
	TakerSide   string    `json:"taker_side"`
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
}

// MatchProducedData contains allocation match data
type MatchProducedData struct {
	MatchID          uuid.UUID          `json:"match_id"`
	OfferID          uuid.UUID          `json:"offer_id"`
	RequestID        uuid.UUID          `json:"request_id"`
	SellerID         uuid.UUID          `json:"seller_id"`
	BuyerID          uuid.UUID          `json:"buyer_id"`
	Source           string             `json:"source"`
	Amount           string             `json:"amount"`
	Price            string             `json:"price"`
	Score            float64            `json:"score"`
	Dimensions       map[string]float64 `json:"dimensions,omitempty"`
	DistanceKm       float64            `json:"distance_km"`
	CarbonImpactKg   float64            `json:"carbon_impact_kg"`
	DeliveryEstimate time.Duration      `json:"delivery_estimate"`
	Confidence       float64            `json:"confidence"`
	Timestamp        time.Time          `json:"timestamp"`
}

// New builds an envelope with an explicit id.
func New(id uuid.UUID, eventType string, aggregateID uuid.UUID, aggregateType string, at time.Time, data interface{}, metadata Metadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            id,
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     at,
		Version:       1,
		Data:          dataBytes,
		Metadata:      metadata,
	}, nil
}

// ParseData parses event data into the specified type
func ParseData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// WithCorrelation sets correlation and causation IDs
func (m *Metadata) WithCorrelation(correlationID, causationID string) *Metadata {
	m.CorrelationID = correlationID
	m.CausationID = causationID
	return m
}
