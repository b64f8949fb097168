package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Profile is a buyer's stated matching preference. Each profile selects a
// fixed weight vector over the scoring dimensions.
type Profile int

const (
	CostOptimization Profile = iota
	CarbonMinimization
	LocalPreference
	Reliability
	Balanced
)

// Profiles lists every declared profile.
var Profiles = []Profile{CostOptimization, CarbonMinimization, LocalPreference, Reliability, Balanced}

func (p Profile) String() string {
	switch p {
	case CostOptimization:
		return "cost"
	case CarbonMinimization:
		return "carbon"
	case LocalPreference:
		return "local"
	case Reliability:
		return "reliability"
	case Balanced:
		return "balanced"
	default:
		panic(fmt.Sprintf("scoring: unknown profile %d", int(p)))
	}
}

// Valid reports whether p is a declared profile.
func (p Profile) Valid() bool {
	return p >= CostOptimization && p <= Balanced
}

// ParseProfile accepts the short names ("cost") and the long forms
// ("cost_optimization", "carbon-minimization").
func ParseProfile(name string) (Profile, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	switch n {
	case "cost", "cost_optimization":
		return CostOptimization, nil
	case "carbon", "carbon_minimization":
		return CarbonMinimization, nil
	case "local", "local_preference":
		return LocalPreference, nil
	case "reliability":
		return Reliability, nil
	case "balanced", "":
		return Balanced, nil
	}
	return Balanced, fmt.Errorf("unknown priority profile %q", name)
}

func (p Profile) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority profile %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Profile) UnmarshalText(text []byte) error {
	parsed, err := ParseProfile(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Weights is a weight vector over the five scoring dimensions.
type Weights struct {
	Price       float64 `json:"price"`
	Distance    float64 `json:"distance"`
	Carbon      float64 `json:"carbon"`
	Reliability float64 `json:"reliability"`
	Renewable   float64 `json:"renewable"`
}

const weightTolerance = 1e-9

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Price + w.Distance + w.Carbon + w.Reliability + w.Renewable
}

// Validate requires non-negative weights summing to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Price, w.Distance, w.Carbon, w.Reliability, w.Renewable} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weights must be non-negative: %+v", w)
		}
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.6f", w.Sum())
	}
	return nil
}

// DefaultWeights returns the built-in weight vector for p.
func DefaultWeights(p Profile) Weights {
	switch p {
	case CostOptimization:
		return Weights{Price: 0.5, Distance: 0.2, Carbon: 0.1, Reliability: 0.1, Renewable: 0.1}
	case CarbonMinimization:
		return Weights{Price: 0.15, Distance: 0.1, Carbon: 0.4, Reliability: 0.05, Renewable: 0.3}
	case LocalPreference:
		return Weights{Price: 0.25, Distance: 0.4, Carbon: 0.1, Reliability: 0.15, Renewable: 0.1}
	case Reliability:
		return Weights{Price: 0.25, Distance: 0.15, Carbon: 0.1, Reliability: 0.4, Renewable: 0.1}
	case Balanced:
		return Weights{Price: 0.25, Distance: 0.2, Carbon: 0.2, Reliability: 0.2, Renewable: 0.15}
	default:
		panic(fmt.Sprintf("scoring: unknown profile %d", int(p)))
	}
}
