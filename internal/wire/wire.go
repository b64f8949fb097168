// Package wire holds the JSON shapes accepted by the HTTP API and the
// matchctl tool, and converts them into engine and matcher inputs.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/internal/allocation"
	"github.com/powershare/energymatch/internal/matching"
	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/geo"
	"github.com/powershare/energymatch/pkg/orderbook"
	"github.com/powershare/energymatch/pkg/scoring"
	"github.com/powershare/energymatch/pkg/units"
)

// OrderInput is a limit order. Decimals travel as strings.
type OrderInput struct {
	ID           string     `json:"id,omitempty"`
	OwnerID      string     `json:"owner_id,omitempty"`
	Side         string     `json:"side" binding:"required"`
	Commodity    string     `json:"commodity" binding:"required"`
	Quantity     string     `json:"quantity" binding:"required"`
	Price        string     `json:"price" binding:"required"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ExpiresHours *float64   `json:"expires_hours,omitempty"`
}

// Order converts in. owner overrides OwnerID when set. Expiry is taken from
// ExpiresAt, then ExpiresHours, then defaultTTL; a zero defaultTTL leaves the
// order good till cancelled.
func (in OrderInput) Order(owner uuid.UUID, now time.Time, defaultTTL time.Duration) (matching.OrderRequest, error) {
	invalid := func(field string, err error) error {
		return &matching.ValidationError{Field: field, Reason: err.Error()}
	}

	req := matching.OrderRequest{OwnerID: owner}
	var err error
	if req.ID, err = parseID(in.ID, false); err != nil {
		return req, invalid("id", err)
	}
	if owner == uuid.Nil {
		if req.OwnerID, err = parseID(in.OwnerID, true); err != nil {
			return req, invalid("owner_id", err)
		}
	}
	if req.Side, err = orderbook.ParseSide(in.Side); err != nil {
		return req, invalid("side", err)
	}
	if req.Commodity, err = energy.ParseSource(in.Commodity); err != nil {
		return req, invalid("commodity", err)
	}
	if req.Commodity == energy.Any {
		return req, &matching.ValidationError{Field: "commodity", Reason: "must name an energy source"}
	}
	if req.Quantity, err = units.ParseAmount(in.Quantity); err != nil {
		return req, invalid("quantity", err)
	}
	if req.Price, err = units.ParsePrice(in.Price); err != nil {
		return req, invalid("price", err)
	}

	switch {
	case in.ExpiresAt != nil:
		req.ExpiresAt = *in.ExpiresAt
	case in.ExpiresHours != nil:
		if *in.ExpiresHours <= 0 {
			return req, &matching.ValidationError{Field: "expires_hours", Reason: "must be positive"}
		}
		req.ExpiresAt = now.Add(time.Duration(*in.ExpiresHours * float64(time.Hour)))
	case defaultTTL > 0:
		req.ExpiresAt = now.Add(defaultTTL)
	}
	return req, nil
}

// OfferInput is a seller listing for allocation.
type OfferInput struct {
	ID               string             `json:"id,omitempty"`
	SellerID         string             `json:"seller_id"`
	Amount           string             `json:"amount"`
	Price            string             `json:"price"`
	Source           string             `json:"source"`
	Location         geo.Point          `json:"location"`
	AvailableFrom    *time.Time         `json:"available_from,omitempty"`
	AvailableUntil   time.Time          `json:"available_until"`
	CarbonIntensity  float64            `json:"carbon_intensity"`
	Reliability      float64            `json:"reliability"`
	RenewableShare   float64            `json:"renewable_share"`
	QualityMetrics   map[string]float64 `json:"quality_metrics,omitempty"`
	SellerReputation float64            `json:"seller_reputation"`
}

// Offer converts in. A missing id is generated.
func (in OfferInput) Offer() (*allocation.Offer, error) {
	invalid := func(field string, err error) error {
		return &allocation.ValidationError{Kind: allocation.ErrInvalidOffer, Field: field, Reason: err.Error()}
	}

	p := allocation.OfferParams{
		Location:         in.Location,
		AvailableUntil:   in.AvailableUntil,
		CarbonIntensity:  in.CarbonIntensity,
		Reliability:      in.Reliability,
		RenewableShare:   in.RenewableShare,
		QualityMetrics:   in.QualityMetrics,
		SellerReputation: in.SellerReputation,
	}
	var err error
	if p.ID, err = parseID(in.ID, false); err != nil {
		return nil, invalid("ID", err)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.SellerID, err = parseID(in.SellerID, true); err != nil {
		return nil, invalid("SellerID", err)
	}
	if p.Amount, err = decimal.NewFromString(in.Amount); err != nil {
		return nil, invalid("Amount", err)
	}
	if p.Price, err = decimal.NewFromString(in.Price); err != nil {
		return nil, invalid("Price", err)
	}
	if p.Source, err = energy.ParseSource(in.Source); err != nil {
		return nil, invalid("Source", err)
	}
	if in.AvailableFrom != nil {
		p.AvailableFrom = *in.AvailableFrom
	}
	return allocation.NewOffer(p)
}

// RequestInput is buyer demand for allocation.
type RequestInput struct {
	ID                 string             `json:"id,omitempty"`
	BuyerID            string             `json:"buyer_id"`
	Amount             string             `json:"amount"`
	MaxPrice           string             `json:"max_price"`
	Location           geo.Point          `json:"location"`
	Deadline           time.Time          `json:"deadline"`
	Profile            string             `json:"priority,omitempty"`
	Urgency            float64            `json:"urgency,omitempty"`
	QualityThresholds  map[string]float64 `json:"quality_thresholds,omitempty"`
	SingleSupplier     bool               `json:"single_supplier,omitempty"`
	AcceptedSource     string             `json:"source,omitempty"`
	MaxDistanceKm      *float64           `json:"max_distance_km,omitempty"`
	MaxCarbonIntensity *float64           `json:"max_carbon_intensity,omitempty"`
	MinRenewableShare  float64            `json:"min_renewable_share,omitempty"`
}

// Request converts in. A missing id is generated; an empty profile or source
// takes the matcher defaults.
func (in RequestInput) Request() (*allocation.Request, error) {
	invalid := func(field string, err error) error {
		return &allocation.ValidationError{Kind: allocation.ErrInvalidRequest, Field: field, Reason: err.Error()}
	}

	p := allocation.RequestParams{
		Location:           in.Location,
		Deadline:           in.Deadline,
		Urgency:            in.Urgency,
		QualityThresholds:  in.QualityThresholds,
		SingleSupplier:     in.SingleSupplier,
		MaxDistanceKm:      in.MaxDistanceKm,
		MaxCarbonIntensity: in.MaxCarbonIntensity,
		MinRenewableShare:  in.MinRenewableShare,
	}
	var err error
	if p.ID, err = parseID(in.ID, false); err != nil {
		return nil, invalid("ID", err)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.BuyerID, err = parseID(in.BuyerID, true); err != nil {
		return nil, invalid("BuyerID", err)
	}
	if p.Amount, err = decimal.NewFromString(in.Amount); err != nil {
		return nil, invalid("Amount", err)
	}
	if p.MaxPrice, err = decimal.NewFromString(in.MaxPrice); err != nil {
		return nil, invalid("MaxPrice", err)
	}
	if in.Profile != "" {
		profile, err := scoring.ParseProfile(in.Profile)
		if err != nil {
			return nil, invalid("Profile", err)
		}
		p.Profile = &profile
	}
	if p.AcceptedSource, err = energy.ParseSource(in.AcceptedSource); err != nil {
		return nil, invalid("AcceptedSource", err)
	}
	return allocation.NewRequest(p)
}

// AllocateInput is one allocation batch.
type AllocateInput struct {
	Offers   []OfferInput   `json:"offers"`
	Requests []RequestInput `json:"requests"`
}

// Offers converts every offer input, naming the index of the first bad one.
func Offers(in []OfferInput) ([]*allocation.Offer, error) {
	out := make([]*allocation.Offer, 0, len(in))
	for i, o := range in {
		offer, err := o.Offer()
		if err != nil {
			return nil, fmt.Errorf("offers[%d]: %w", i, err)
		}
		out = append(out, offer)
	}
	return out, nil
}

// Requests converts every request input, naming the index of the first bad one.
func Requests(in []RequestInput) ([]*allocation.Request, error) {
	out := make([]*allocation.Request, 0, len(in))
	for i, r := range in {
		req, err := r.Request()
		if err != nil {
			return nil, fmt.Errorf("requests[%d]: %w", i, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// SubmitResponse is returned for an accepted order.
type SubmitResponse struct {
	OrderID uuid.UUID         `json:"order_id"`
	Order   orderbook.Order   `json:"order"`
	Trades  []orderbook.Trade `json:"trades"`
}

// NewSubmitResponse flattens an engine result.
func NewSubmitResponse(res *matching.SubmitResult) SubmitResponse {
	trades := res.Trades
	if trades == nil {
		trades = []orderbook.Trade{}
	}
	return SubmitResponse{OrderID: res.OrderID(), Order: res.Order, Trades: trades}
}

func parseID(s string, required bool) (uuid.UUID, error) {
	if s == "" {
		if required {
			return uuid.Nil, fmt.Errorf("is required")
		}
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
