package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/powershare/energymatch/pkg/scoring"
)

func TestFinalPrice(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		max      string
		urgency  float64
		score    float64
		expected string
	}{
		{"should keep the offer price for a neutral match", "0.25", "0.30", 0, 0.5, "0.25"},
		{"should add the urgency premium", "0.25", "0.30", 0.5, 0.5, "0.2625"},
		{"should cap the quality premium", "0.25", "0.30", 0, 1, "0.25625"},
		{"should cap the quality discount", "0.25", "0.30", 0, 0, "0.24375"},
		{"should clamp to the buyer ceiling", "0.25", "0.26", 1, 1, "0.26"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := finalPrice(dec(tt.price), dec(tt.max), tt.urgency, tt.score)
			assert.True(t, got.Equal(dec(tt.expected)), "got %s", got)
		})
	}
}

func TestDeliveryEstimate(t *testing.T) {
	t.Run("should floor at one hour", func(t *testing.T) {
		assert.Equal(t, time.Hour, deliveryEstimate(10))
		assert.Equal(t, time.Hour, deliveryEstimate(0))
	})

	t.Run("should scale with distance", func(t *testing.T) {
		assert.Equal(t, 2*time.Hour, deliveryEstimate(100))
	})
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.7, confidence(0.5), 1e-9)
	assert.Equal(t, 0.95, confidence(0.9))
}

func TestReasoning(t *testing.T) {
	r := &Request{MaxPrice: dec("0.30")}

	t.Run("should describe an excellent match", func(t *testing.T) {
		o := &Offer{Price: dec("0.05"), RenewableShare: 0.95, Reliability: 0.9, CarbonIntensity: 0.02}
		s := scoring.Score{Dimensions: scoring.Dimensions{Price: 0.83}, Total: 0.85}
		assert.Equal(t, []string{
			"Excellent price: $0.050/kWh vs max $0.300/kWh",
			"Very local supply: 3.2km away",
			"Highly renewable: 95% clean energy",
			"High reliability: 90% reliability score",
			"Ultra-low carbon: 0.020 kg CO2/kWh",
			"Excellent overall match for your requirements",
		}, reasoning(r, o, s, 3.2))
	})

	t.Run("should describe a moderate match", func(t *testing.T) {
		o := &Offer{Price: dec("0.10"), RenewableShare: 0.6, Reliability: 0.7, CarbonIntensity: 0.3}
		s := scoring.Score{Dimensions: scoring.Dimensions{Price: 0.66}, Total: 0.65}
		assert.Equal(t, []string{
			"Good price: $0.100/kWh within budget",
			"Regional supply: 25.0km away",
			"Renewable source: 60% clean energy",
			"Low carbon: 0.300 kg CO2/kWh",
			"Good match balancing your priorities",
		}, reasoning(r, o, s, 25))
	})

	t.Run("should fall back to an acceptable verdict", func(t *testing.T) {
		o := &Offer{Price: dec("0.29"), CarbonIntensity: 0.8}
		s := scoring.Score{Total: 0.3}
		assert.Equal(t, []string{"Acceptable match given current market conditions"}, reasoning(r, o, s, 80))
	})
}
