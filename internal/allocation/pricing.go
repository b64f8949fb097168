package allocation

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/scoring"
	"github.com/powershare/energymatch/pkg/units"
)

const (
	urgencyPremium     = 0.1
	qualitySensitivity = 0.05
	qualityFloor       = 0.975
	qualityCeiling     = 1.025

	deliverySpeedKmh = 50.0
	minDelivery      = time.Hour
	maxConfidence    = 0.95
	confidenceBoost  = 0.2
)

// finalPrice applies the urgency and quality multipliers to the offer price,
// rounds to price scale and clamps to the buyer's ceiling.
func finalPrice(offerPrice, maxPrice decimal.Decimal, urgency, score float64) decimal.Decimal {
	urgencyMult := 1 + urgencyPremium*urgency
	qualityMult := math.Max(qualityFloor, math.Min(qualityCeiling, 1+(score-0.5)*qualitySensitivity))

	price := units.RoundPrice(offerPrice.
		Mul(decimal.NewFromFloat(urgencyMult)).
		Mul(decimal.NewFromFloat(qualityMult)))
	if price.GreaterThan(maxPrice) {
		return maxPrice
	}
	return price
}

func deliveryEstimate(distanceKm float64) time.Duration {
	d := time.Duration(distanceKm / deliverySpeedKmh * float64(time.Hour))
	if d < minDelivery {
		return minDelivery
	}
	return d
}

func confidence(score float64) float64 {
	return math.Min(maxConfidence, score+confidenceBoost)
}

func reasoning(r *Request, o *Offer, s scoring.Score, distanceKm float64) []string {
	var out []string

	switch {
	case s.Dimensions.Price > 0.8:
		out = append(out, fmt.Sprintf("Excellent price: $%s/kWh vs max $%s/kWh", o.Price.StringFixed(3), r.MaxPrice.StringFixed(3)))
	case s.Dimensions.Price > 0.6:
		out = append(out, fmt.Sprintf("Good price: $%s/kWh within budget", o.Price.StringFixed(3)))
	}

	switch {
	case distanceKm < 10:
		out = append(out, fmt.Sprintf("Very local supply: %.1fkm away", distanceKm))
	case distanceKm < 50:
		out = append(out, fmt.Sprintf("Regional supply: %.1fkm away", distanceKm))
	}

	switch {
	case o.RenewableShare > 0.9:
		out = append(out, fmt.Sprintf("Highly renewable: %.0f%% clean energy", o.RenewableShare*100))
	case o.RenewableShare > 0.5:
		out = append(out, fmt.Sprintf("Renewable source: %.0f%% clean energy", o.RenewableShare*100))
	}

	if o.Reliability > 0.8 {
		out = append(out, fmt.Sprintf("High reliability: %.0f%% reliability score", o.Reliability*100))
	}

	switch {
	case o.CarbonIntensity < 0.1:
		out = append(out, fmt.Sprintf("Ultra-low carbon: %.3f kg CO2/kWh", o.CarbonIntensity))
	case o.CarbonIntensity < 0.5:
		out = append(out, fmt.Sprintf("Low carbon: %.3f kg CO2/kWh", o.CarbonIntensity))
	}

	switch {
	case s.Total > 0.8:
		out = append(out, "Excellent overall match for your requirements")
	case s.Total > 0.6:
		out = append(out, "Good match balancing your priorities")
	default:
		out = append(out, "Acceptable match given current market conditions")
	}
	return out
}
