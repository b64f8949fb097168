package allocation

import (
	"context"

	"go.uber.org/zap"

	"github.com/powershare/energymatch/shared/events"
)

func matchEvent(mr MatchResult) (*events.Event, error) {
	data := events.MatchProducedData{
		MatchID:   mr.ID,
		OfferID:   mr.OfferID,
		RequestID: mr.RequestID,
		SellerID:  mr.SellerID,
		BuyerID:   mr.BuyerID,
		Source:    mr.Source.String(),
		Amount:    mr.Amount.String(),
		Price:     mr.Price.String(),
		Score:     mr.Score,
		Dimensions: map[string]float64{
			"price":       mr.Dimensions.Price,
			"distance":    mr.Dimensions.Distance,
			"carbon":      mr.Dimensions.Carbon,
			"reliability": mr.Dimensions.Reliability,
			"renewable":   mr.Dimensions.Renewable,
		},
		DistanceKm:       mr.DistanceKm,
		CarbonImpactKg:   mr.CarbonImpactKg,
		DeliveryEstimate: mr.DeliveryEstimate,
		Confidence:       mr.Confidence,
		Timestamp:        mr.CreatedAt,
	}
	md := events.Metadata{Source: "allocation-matcher", UserID: mr.BuyerID.String()}
	md.WithCorrelation(mr.RequestID.String(), mr.OfferID.String())
	return events.New(mr.ID, events.MatchProduced, mr.ID, events.AggregateMatch, mr.CreatedAt, data, md)
}

// publish runs after the pool lock is released; failures are logged only.
func (m *Matcher) publish(ctx context.Context, matches []MatchResult) {
	if len(matches) == 0 {
		return
	}
	evs := make([]events.Event, 0, len(matches))
	for _, mr := range matches {
		ev, err := matchEvent(mr)
		if err != nil {
			m.logger.Error("failed to build match event", zap.Stringer("match_id", mr.ID), zap.Error(err))
			return
		}
		evs = append(evs, *ev)
	}
	if err := m.sink.Publish(ctx, evs); err != nil {
		m.logger.Warn("event sink rejected matches", zap.Int("count", len(evs)), zap.Error(err))
	}
}
