// Package telemetry writes trade and match time series to InfluxDB.
package telemetry

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/units"
	"github.com/powershare/energymatch/shared/events"
)

const (
	TradeMeasurement = "energy_trades"
	MatchMeasurement = "energy_matches"
)

// pointWriter is satisfied by api.WriteAPIBlocking.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink is a messaging.Sink recording one point per trade or match.
type InfluxSink struct {
	writer pointWriter
	close  func()
}

func NewInfluxSink(w pointWriter) *InfluxSink {
	return &InfluxSink{writer: w, close: func() {}}
}

// DialInflux connects a blocking writer for org/bucket.
func DialInflux(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{writer: client.WriteAPIBlocking(org, bucket), close: client.Close}
}

// Publish implements messaging.Sink.
func (s *InfluxSink) Publish(ctx context.Context, evs []events.Event) error {
	points := make([]*write.Point, 0, len(evs))
	for i := range evs {
		p, err := toPoint(&evs[i])
		if err != nil {
			return err
		}
		if p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() { s.close() }

func toPoint(ev *events.Event) (*write.Point, error) {
	switch ev.Type {
	case events.TradeExecuted:
		t, err := events.ParseData[events.TradeExecutedData](ev)
		if err != nil {
			return nil, err
		}
		amount, price, err := parsePair(t.Amount, t.Price)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.TradeID, err)
		}
		return write.NewPoint(TradeMeasurement,
			map[string]string{"commodity": t.Commodity, "taker_side": t.TakerSide},
			map[string]interface{}{
				"trade_id": t.TradeID.String(),
				"amount":   amount.InexactFloat64(),
				"price":    price.InexactFloat64(),
				"notional": units.Notional(price, amount).InexactFloat64(),
			},
			t.Timestamp), nil
	case events.MatchProduced:
		m, err := events.ParseData[events.MatchProducedData](ev)
		if err != nil {
			return nil, err
		}
		amount, price, err := parsePair(m.Amount, m.Price)
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", m.MatchID, err)
		}
		return write.NewPoint(MatchMeasurement,
			map[string]string{"source": m.Source},
			map[string]interface{}{
				"match_id":         m.MatchID.String(),
				"amount":           amount.InexactFloat64(),
				"price":            price.InexactFloat64(),
				"score":            m.Score,
				"distance_km":      m.DistanceKm,
				"carbon_impact_kg": m.CarbonImpactKg,
				"confidence":       m.Confidence,
			},
			m.Timestamp), nil
	}
	return nil, nil
}

func parsePair(amount, price string) (decimal.Decimal, decimal.Decimal, error) {
	a, err := units.ParseAmount(amount)
	if err != nil {
		return a, a, err
	}
	p, err := units.ParsePrice(price)
	return a, p, err
}
