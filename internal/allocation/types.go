package allocation

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/geo"
	"github.com/powershare/energymatch/pkg/scoring"
)

const (
	DefaultMaxDistanceKm      = 100.0
	DefaultMaxCarbonIntensity = 1.0
)

// OfferParams lists what a seller must supply to list energy.
type OfferParams struct {
	// mandatory
	ID              uuid.UUID       `validate:"required"`
	SellerID        uuid.UUID       `validate:"required"`
	Amount          decimal.Decimal // kWh, > 0
	Price           decimal.Decimal // per kWh, > 0
	Source          energy.Source
	Location        geo.Point
	AvailableUntil  time.Time `validate:"required"`
	CarbonIntensity float64   `validate:"gte=0"` // kg CO2/kWh
	Reliability     float64   `validate:"gte=0,lte=1"`
	RenewableShare  float64   `validate:"gte=0,lte=1"`

	// optional
	AvailableFrom    time.Time          // zero means available now
	QualityMetrics   map[string]float64 `validate:"omitempty,dive,gte=0"`
	SellerReputation float64            `validate:"gte=0,lte=1"`
}

// Offer is a seller's listing. Remaining is decremented only by committed
// allocations inside an OfferPool.
type Offer struct {
	ID               uuid.UUID          `json:"id"`
	SellerID         uuid.UUID          `json:"seller_id"`
	Amount           decimal.Decimal    `json:"amount"`
	Price            decimal.Decimal    `json:"price"`
	Source           energy.Source      `json:"source"`
	Location         geo.Point          `json:"location"`
	AvailableFrom    time.Time          `json:"available_from"`
	AvailableUntil   time.Time          `json:"available_until"`
	CarbonIntensity  float64            `json:"carbon_intensity"`
	Reliability      float64            `json:"reliability"`
	RenewableShare   float64            `json:"renewable_share"`
	QualityMetrics   map[string]float64 `json:"quality_metrics,omitempty"`
	SellerReputation float64            `json:"seller_reputation"`

	remaining decimal.Decimal
}

// NewOffer validates p and builds an Offer with its full amount remaining.
func NewOffer(p OfferParams) (*Offer, error) {
	if err := checkStruct(ErrInvalidOffer, p); err != nil {
		return nil, err
	}
	invalid := func(field, reason string) error {
		return &ValidationError{Kind: ErrInvalidOffer, Field: field, Reason: reason}
	}
	switch {
	case !p.Amount.IsPositive():
		return nil, invalid("Amount", "must be positive")
	case !p.Price.IsPositive():
		return nil, invalid("Price", "must be positive")
	case !p.Source.Valid() || p.Source == energy.Any:
		return nil, invalid("Source", "must be a concrete energy source")
	case !p.AvailableFrom.IsZero() && p.AvailableFrom.After(p.AvailableUntil):
		return nil, invalid("AvailableFrom", "after AvailableUntil")
	case math.IsNaN(p.CarbonIntensity):
		return nil, invalid("CarbonIntensity", "is NaN")
	}
	if err := p.Location.Validate(); err != nil {
		return nil, invalid("Location", err.Error())
	}

	return &Offer{
		ID:               p.ID,
		SellerID:         p.SellerID,
		Amount:           p.Amount,
		Price:            p.Price,
		Source:           p.Source,
		Location:         p.Location,
		AvailableFrom:    p.AvailableFrom,
		AvailableUntil:   p.AvailableUntil,
		CarbonIntensity:  p.CarbonIntensity,
		Reliability:      p.Reliability,
		RenewableShare:   p.RenewableShare,
		QualityMetrics:   copyMetrics(p.QualityMetrics),
		SellerReputation: p.SellerReputation,
		remaining:        p.Amount,
	}, nil
}

// Remaining is the amount not yet allocated.
func (o *Offer) Remaining() decimal.Decimal { return o.remaining }

// Covers reports whether the availability window includes t.
func (o *Offer) Covers(t time.Time) bool {
	if !o.AvailableFrom.IsZero() && t.Before(o.AvailableFrom) {
		return false
	}
	return !t.After(o.AvailableUntil)
}

func (o *Offer) clone() *Offer {
	c := *o
	c.QualityMetrics = copyMetrics(o.QualityMetrics)
	return &c
}

// RequestParams lists what a buyer must supply to request energy.
type RequestParams struct {
	// mandatory
	ID       uuid.UUID       `validate:"required"`
	BuyerID  uuid.UUID       `validate:"required"`
	Amount   decimal.Decimal // kWh, > 0
	MaxPrice decimal.Decimal // per kWh, > 0
	Location geo.Point
	Deadline time.Time `validate:"required"`

	// optional
	Profile            *scoring.Profile   // default Balanced
	Urgency            float64            `validate:"gte=0,lte=1"`
	QualityThresholds  map[string]float64 `validate:"omitempty,dive,gte=0"`
	SingleSupplier     bool
	AcceptedSource     energy.Source // default Any
	MaxDistanceKm      *float64      `validate:"omitempty,gt=0"` // default 100
	MaxCarbonIntensity *float64      `validate:"omitempty,gt=0"` // default 1.0
	MinRenewableShare  float64       `validate:"gte=0,lte=1"`
}

// Request is a buyer's demand with every optional field resolved.
type Request struct {
	ID                 uuid.UUID          `json:"id"`
	BuyerID            uuid.UUID          `json:"buyer_id"`
	Amount             decimal.Decimal    `json:"amount"`
	MaxPrice           decimal.Decimal    `json:"max_price"`
	Location           geo.Point          `json:"location"`
	Deadline           time.Time          `json:"deadline"`
	Profile            scoring.Profile    `json:"profile"`
	Urgency            float64            `json:"urgency"`
	QualityThresholds  map[string]float64 `json:"quality_thresholds,omitempty"`
	SingleSupplier     bool               `json:"single_supplier"`
	AcceptedSource     energy.Source      `json:"accepted_source"`
	MaxDistanceKm      float64            `json:"max_distance_km"`
	MaxCarbonIntensity float64            `json:"max_carbon_intensity"`
	MinRenewableShare  float64            `json:"min_renewable_share"`
}

// NewRequest validates p and applies the documented defaults.
func NewRequest(p RequestParams) (*Request, error) {
	if err := checkStruct(ErrInvalidRequest, p); err != nil {
		return nil, err
	}
	invalid := func(field, reason string) error {
		return &ValidationError{Kind: ErrInvalidRequest, Field: field, Reason: reason}
	}
	switch {
	case !p.Amount.IsPositive():
		return nil, invalid("Amount", "must be positive")
	case !p.MaxPrice.IsPositive():
		return nil, invalid("MaxPrice", "must be positive")
	case !p.AcceptedSource.Valid():
		return nil, invalid("AcceptedSource", fmt.Sprintf("unknown energy source %d", int(p.AcceptedSource)))
	case p.Profile != nil && !p.Profile.Valid():
		return nil, invalid("Profile", fmt.Sprintf("unknown profile %d", int(*p.Profile)))
	}
	if err := p.Location.Validate(); err != nil {
		return nil, invalid("Location", err.Error())
	}

	r := &Request{
		ID:                 p.ID,
		BuyerID:            p.BuyerID,
		Amount:             p.Amount,
		MaxPrice:           p.MaxPrice,
		Location:           p.Location,
		Deadline:           p.Deadline,
		Profile:            scoring.Balanced,
		Urgency:            p.Urgency,
		QualityThresholds:  copyMetrics(p.QualityThresholds),
		SingleSupplier:     p.SingleSupplier,
		AcceptedSource:     p.AcceptedSource,
		MaxDistanceKm:      DefaultMaxDistanceKm,
		MaxCarbonIntensity: DefaultMaxCarbonIntensity,
		MinRenewableShare:  p.MinRenewableShare,
	}
	if p.Profile != nil {
		r.Profile = *p.Profile
	}
	if p.MaxDistanceKm != nil {
		r.MaxDistanceKm = *p.MaxDistanceKm
	}
	if p.MaxCarbonIntensity != nil {
		r.MaxCarbonIntensity = *p.MaxCarbonIntensity
	}
	return r, nil
}

// MatchResult is one committed allocation of offer energy to a request.
type MatchResult struct {
	ID               uuid.UUID          `json:"id"`
	OfferID          uuid.UUID          `json:"offer_id"`
	RequestID        uuid.UUID          `json:"request_id"`
	SellerID         uuid.UUID          `json:"seller_id"`
	BuyerID          uuid.UUID          `json:"buyer_id"`
	Source           energy.Source      `json:"source"`
	Amount           decimal.Decimal    `json:"amount"`
	Price            decimal.Decimal    `json:"price"`
	Score            float64            `json:"score"`
	Dimensions       scoring.Dimensions `json:"dimensions"`
	DistanceKm       float64            `json:"distance_km"`
	CarbonImpactKg   float64            `json:"carbon_impact_kg"`
	DeliveryEstimate time.Duration      `json:"delivery_estimate"`
	Confidence       float64            `json:"confidence"`
	Reasoning        []string           `json:"reasoning"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Shortfall is demand a batch could not cover. It is a normal outcome.
type Shortfall struct {
	RequestID uuid.UUID       `json:"request_id"`
	BuyerID   uuid.UUID       `json:"buyer_id"`
	Requested decimal.Decimal `json:"requested"`
	Matched   decimal.Decimal `json:"matched"`
	Unmet     decimal.Decimal `json:"unmet"`
}

// BatchResult is the outcome of one Allocate call.
type BatchResult struct {
	Matches    []MatchResult `json:"matches"`
	Shortfalls []Shortfall   `json:"shortfalls"`
}

// MatchedFor returns the total matched for a request.
func (b *BatchResult) MatchedFor(requestID uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, m := range b.Matches {
		if m.RequestID == requestID {
			total = total.Add(m.Amount)
		}
	}
	return total
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
