// Package scoring ranks energy offers against a buyer's request. Scoring is a
// pure function of the inputs and the selected priority profile.
package scoring

import (
	"fmt"
	"math"
)

const (
	// UrgencyThreshold is the urgency above which fast, dependable delivery
	// receives a bonus.
	UrgencyThreshold = 0.7
	// UrgentReliabilityBonus and UrgentDistanceBonus scale the reliability and
	// distance dimensions added on top of the weighted total for urgent requests.
	UrgentReliabilityBonus = 0.2
	UrgentDistanceBonus    = 0.1
)

// Input carries the offer and request attributes that feed the score. All
// inputs must be resolved before scoring; the model performs no lookups.
type Input struct {
	OfferPrice      float64
	MaxPrice        float64
	DistanceKm      float64
	MaxDistanceKm   float64
	CarbonIntensity float64
	MaxCarbon       float64
	Reliability     float64
	RenewableShare  float64
	Urgency         float64
}

// Dimensions holds the per-dimension scores, each in [0,1].
type Dimensions struct {
	Price       float64 `json:"price"`
	Distance    float64 `json:"distance"`
	Carbon      float64 `json:"carbon"`
	Reliability float64 `json:"reliability"`
	Renewable   float64 `json:"renewable"`
}

// Score is the outcome of scoring one offer for one request.
type Score struct {
	Dimensions Dimensions `json:"dimensions"`
	Total      float64    `json:"total"`
}

// Model maps profiles to weight vectors. The zero value is not usable; build
// one with NewModel.
type Model struct {
	weights map[Profile]Weights
}

// NewModel returns a model using the default weights, replaced by any valid
// overrides.
func NewModel(overrides map[Profile]Weights) (*Model, error) {
	m := &Model{weights: make(map[Profile]Weights, len(Profiles))}
	for _, p := range Profiles {
		m.weights[p] = DefaultWeights(p)
	}
	for p, w := range overrides {
		if !p.Valid() {
			return nil, fmt.Errorf("override for unknown profile %d", int(p))
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", p, err)
		}
		m.weights[p] = w
	}
	return m, nil
}

// DefaultModel returns a model with the built-in weights.
func DefaultModel() *Model {
	m, _ := NewModel(nil)
	return m
}

// Weights returns the vector used for p.
func (m *Model) Weights(p Profile) Weights {
	w, ok := m.weights[p]
	if !ok {
		panic(fmt.Sprintf("scoring: unknown profile %d", int(p)))
	}
	return w
}

// Score computes the dimension scores and the weighted total.
func (m *Model) Score(in Input, p Profile) Score {
	d := Dimensions{
		Price:       ratioScore(in.OfferPrice, in.MaxPrice),
		Distance:    ratioScore(in.DistanceKm, in.MaxDistanceKm),
		Carbon:      ratioScore(in.CarbonIntensity, in.MaxCarbon),
		Reliability: clamp01(in.Reliability),
		Renewable:   clamp01(in.RenewableShare),
	}

	w := m.Weights(p)
	total := d.Price*w.Price +
		d.Distance*w.Distance +
		d.Carbon*w.Carbon +
		d.Reliability*w.Reliability +
		d.Renewable*w.Renewable

	if in.Urgency > UrgencyThreshold {
		total += d.Reliability*UrgentReliabilityBonus + d.Distance*UrgentDistanceBonus
	}

	return Score{Dimensions: d, Total: total}
}

// ratioScore is max(0, 1 - value/limit). A non-positive limit scores 0.
func ratioScore(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Max(0, 1-value/limit)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
