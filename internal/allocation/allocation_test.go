package allocation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/geo"
	"github.com/powershare/energymatch/pkg/messaging"
	"github.com/powershare/energymatch/pkg/scoring"
	"github.com/powershare/energymatch/shared/events"
)

var (
	now      = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	deadline = now.Add(6 * time.Hour)
	origin   = geo.Point{Lat: 0, Lng: 0}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

// kmNorth returns a point d km due north of origin.
func kmNorth(d float64) geo.Point {
	return geo.Point{Lat: d / (geo.EarthRadiusKm * math.Pi / 180)}
}

func offerParams(amount, price string, distanceKm float64) OfferParams {
	return OfferParams{
		ID:              uuid.New(),
		SellerID:        uuid.New(),
		Amount:          dec(amount),
		Price:           dec(price),
		Source:          energy.Solar,
		Location:        kmNorth(distanceKm),
		AvailableUntil:  now.Add(24 * time.Hour),
		CarbonIntensity: 0.05,
		Reliability:     0.9,
		RenewableShare:  1,
	}
}

func mustOffer(t *testing.T, p OfferParams) *Offer {
	t.Helper()
	o, err := NewOffer(p)
	require.NoError(t, err)
	return o
}

func requestParams(amount, maxPrice string) RequestParams {
	return RequestParams{
		ID:       uuid.New(),
		BuyerID:  uuid.New(),
		Amount:   dec(amount),
		MaxPrice: dec(maxPrice),
		Location: origin,
		Deadline: deadline,
	}
}

func mustRequest(t *testing.T, p RequestParams) *Request {
	t.Helper()
	r, err := NewRequest(p)
	require.NoError(t, err)
	return r
}

func newTestMatcher() (*Matcher, *messaging.Recorder) {
	rec := &messaging.Recorder{}
	return NewMatcher(WithSink(rec), WithClock(func() time.Time { return now })), rec
}

func TestAllocateSplitsAndReportsShortfall(t *testing.T) {
	m, rec := newTestMatcher()

	near := mustOffer(t, offerParams("30", "0.22", 5))
	far := mustOffer(t, offerParams("40", "0.25", 60))
	pool, err := NewOfferPool(near, far)
	require.NoError(t, err)

	rp := requestParams("50", "0.30")
	rp.Profile = ptr(scoring.CostOptimization)
	rp.MaxDistanceKm = ptr(50.0)
	req := mustRequest(t, rp)

	res, err := m.Allocate(context.Background(), []*Request{req}, pool)
	require.NoError(t, err)

	t.Run("should match only the offer within range", func(t *testing.T) {
		require.Len(t, res.Matches, 1)
		mr := res.Matches[0]
		assert.Equal(t, near.ID, mr.OfferID)
		assert.True(t, mr.Amount.Equal(dec("30")))
		assert.InDelta(t, 5, mr.DistanceKm, 0.01)
		assert.True(t, mr.Price.LessThanOrEqual(dec("0.30")))
		assert.Equal(t, MatchID(req.ID, near.ID, 0), mr.ID)
	})

	t.Run("should report the unmet demand", func(t *testing.T) {
		require.Len(t, res.Shortfalls, 1)
		sf := res.Shortfalls[0]
		assert.Equal(t, req.ID, sf.RequestID)
		assert.True(t, sf.Matched.Equal(dec("30")))
		assert.True(t, sf.Unmet.Equal(dec("20")))
	})

	t.Run("should commit the allocation to the pool", func(t *testing.T) {
		left, ok := pool.Remaining(near.ID)
		require.True(t, ok)
		assert.True(t, left.IsZero())
		left, _ = pool.Remaining(far.ID)
		assert.True(t, left.Equal(dec("40")))
	})

	t.Run("should publish one event per match", func(t *testing.T) {
		evs := rec.OfType(events.MatchProduced)
		require.Len(t, evs, 1)
		assert.Equal(t, res.Matches[0].ID, evs[0].ID)
		data, err := events.ParseData[events.MatchProducedData](&evs[0])
		require.NoError(t, err)
		assert.Equal(t, "30", data.Amount)
		assert.Equal(t, req.ID.String(), evs[0].Metadata.CorrelationID)
	})
}

func TestAllocateSplitsAcrossOffers(t *testing.T) {
	m, _ := newTestMatcher()
	cheap := mustOffer(t, offerParams("30", "0.20", 5))
	dear := mustOffer(t, offerParams("40", "0.25", 5))
	pool, err := NewOfferPool(dear, cheap)
	require.NoError(t, err)

	rp := requestParams("50", "0.30")
	rp.Profile = ptr(scoring.CostOptimization)
	req := mustRequest(t, rp)

	t.Run("should take the best-scored offer first", func(t *testing.T) {
		res, err := m.Allocate(context.Background(), []*Request{req}, pool)
		require.NoError(t, err)
		require.Len(t, res.Matches, 2)
		assert.Equal(t, cheap.ID, res.Matches[0].OfferID)
		assert.True(t, res.Matches[0].Amount.Equal(dec("30")))
		assert.Equal(t, dear.ID, res.Matches[1].OfferID)
		assert.True(t, res.Matches[1].Amount.Equal(dec("20")))
		assert.Empty(t, res.Shortfalls)
		assert.True(t, res.MatchedFor(req.ID).Equal(dec("50")))
	})
}

func TestAllocateSingleSupplier(t *testing.T) {
	m, _ := newTestMatcher()
	cheap := mustOffer(t, offerParams("30", "0.20", 5))
	dear := mustOffer(t, offerParams("40", "0.25", 5))
	pool, err := NewOfferPool(cheap, dear)
	require.NoError(t, err)

	rp := requestParams("50", "0.30")
	rp.Profile = ptr(scoring.CostOptimization)
	rp.SingleSupplier = true
	req := mustRequest(t, rp)

	t.Run("should stop after the first supplier", func(t *testing.T) {
		res, err := m.Allocate(context.Background(), []*Request{req}, pool)
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, cheap.ID, res.Matches[0].OfferID)
		require.Len(t, res.Shortfalls, 1)
		assert.True(t, res.Shortfalls[0].Unmet.Equal(dec("20")))
	})
}

func TestAllocateNeverOvercommits(t *testing.T) {
	m, _ := newTestMatcher()
	offer := mustOffer(t, offerParams("40", "0.20", 5))
	pool, err := NewOfferPool(offer)
	require.NoError(t, err)

	first := mustRequest(t, requestParams("30", "0.30"))
	second := mustRequest(t, requestParams("30", "0.30"))

	res, err := m.Allocate(context.Background(), []*Request{first, second}, pool)
	require.NoError(t, err)

	t.Run("should serve requests in input order on ties", func(t *testing.T) {
		assert.True(t, res.MatchedFor(first.ID).Equal(dec("30")))
		assert.True(t, res.MatchedFor(second.ID).Equal(dec("10")))
	})

	t.Run("should drain the offer exactly", func(t *testing.T) {
		left, _ := pool.Remaining(offer.ID)
		assert.True(t, left.IsZero())
	})

	t.Run("should find nothing in a later batch", func(t *testing.T) {
		late := mustRequest(t, requestParams("5", "0.30"))
		res, err := m.Allocate(context.Background(), []*Request{late}, pool)
		require.NoError(t, err)
		assert.Empty(t, res.Matches)
		require.Len(t, res.Shortfalls, 1)
		assert.True(t, res.Shortfalls[0].Unmet.Equal(dec("5")))
	})
}

func TestAllocateRequestPriority(t *testing.T) {
	m, _ := newTestMatcher()
	offer := mustOffer(t, offerParams("10", "0.20", 5))
	pool, err := NewOfferPool(offer)
	require.NoError(t, err)

	calm := requestParams("10", "0.30")
	calm.Deadline = now.Add(time.Hour)
	urgent := requestParams("10", "0.30")
	urgent.Urgency = 0.9
	urgent.Deadline = now.Add(5 * time.Hour)
	calmReq := mustRequest(t, calm)
	urgentReq := mustRequest(t, urgent)

	t.Run("should serve the most urgent request first", func(t *testing.T) {
		res, err := m.Allocate(context.Background(), []*Request{calmReq, urgentReq}, pool)
		require.NoError(t, err)
		assert.True(t, res.MatchedFor(urgentReq.ID).Equal(dec("10")))
		assert.True(t, res.MatchedFor(calmReq.ID).IsZero())
	})

	t.Run("should break urgency ties by earliest deadline", func(t *testing.T) {
		pool, err := NewOfferPool(mustOffer(t, offerParams("10", "0.20", 5)))
		require.NoError(t, err)
		later := requestParams("10", "0.30")
		later.Deadline = now.Add(5 * time.Hour)
		sooner := requestParams("10", "0.30")
		sooner.Deadline = now.Add(2 * time.Hour)
		laterReq, soonerReq := mustRequest(t, later), mustRequest(t, sooner)

		res, err := m.Allocate(context.Background(), []*Request{laterReq, soonerReq}, pool)
		require.NoError(t, err)
		assert.True(t, res.MatchedFor(soonerReq.ID).Equal(dec("10")))
	})
}

func TestAllocateFilters(t *testing.T) {
	tests := []struct {
		name    string
		offer   func(*OfferParams)
		request func(*RequestParams)
	}{
		{
			name:  "should skip offers priced above the ceiling",
			offer: func(p *OfferParams) { p.Price = dec("0.31") },
		},
		{
			name:    "should skip offers of an unaccepted source",
			request: func(p *RequestParams) { p.AcceptedSource = energy.Wind },
		},
		{
			name:  "should skip offers beyond the default distance",
			offer: func(p *OfferParams) { p.Location = kmNorth(120) },
		},
		{
			name:  "should skip offers that end before the deadline",
			offer: func(p *OfferParams) { p.AvailableUntil = deadline.Add(-time.Minute) },
		},
		{
			name:  "should skip offers that start after the deadline",
			offer: func(p *OfferParams) { p.AvailableFrom = deadline.Add(time.Minute) },
		},
		{
			name:    "should treat a missing quality metric as zero",
			request: func(p *RequestParams) { p.QualityThresholds = map[string]float64{"frequency_stability": 0.5} },
		},
		{
			name:    "should skip offers below the renewable share",
			offer:   func(p *OfferParams) { p.RenewableShare = 0.4 },
			request: func(p *RequestParams) { p.MinRenewableShare = 0.5 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := newTestMatcher()
			op := offerParams("10", "0.20", 5)
			if tt.offer != nil {
				tt.offer(&op)
			}
			rp := requestParams("10", "0.30")
			if tt.request != nil {
				tt.request(&rp)
			}

			res, err := m.FindMatches(context.Background(), []*Request{mustRequest(t, rp)}, []*Offer{mustOffer(t, op)})
			require.NoError(t, err)
			assert.Empty(t, res)
			assert.Empty(t, rec.Events())
		})
	}

	t.Run("should accept offers meeting the quality threshold", func(t *testing.T) {
		m, _ := newTestMatcher()
		op := offerParams("10", "0.20", 5)
		op.QualityMetrics = map[string]float64{"frequency_stability": 0.7}
		rp := requestParams("10", "0.30")
		rp.QualityThresholds = map[string]float64{"frequency_stability": 0.5}

		res, err := m.FindMatches(context.Background(), []*Request{mustRequest(t, rp)}, []*Offer{mustOffer(t, op)})
		require.NoError(t, err)
		assert.Len(t, res, 1)
	})
}

func TestFindMatchesLeavesOffersUntouched(t *testing.T) {
	m, _ := newTestMatcher()
	offer := mustOffer(t, offerParams("10", "0.20", 5))
	req := mustRequest(t, requestParams("10", "0.30"))

	res, err := m.FindMatches(context.Background(), []*Request{req}, []*Offer{offer})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, offer.Remaining().Equal(dec("10")))
}

func TestAllocateRejectsBadBatches(t *testing.T) {
	m, rec := newTestMatcher()
	pool, err := NewOfferPool(mustOffer(t, offerParams("10", "0.20", 5)))
	require.NoError(t, err)
	req := mustRequest(t, requestParams("10", "0.30"))

	t.Run("should reject a duplicate request id", func(t *testing.T) {
		_, err := m.Allocate(context.Background(), []*Request{req, req}, pool)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("should reject a nil request", func(t *testing.T) {
		_, err := m.Allocate(context.Background(), []*Request{nil}, pool)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("should honour a cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.Allocate(ctx, []*Request{req}, pool)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should leave the pool untouched", func(t *testing.T) {
		left, _ := pool.Remaining(pool.Offers()[0].ID)
		assert.True(t, left.Equal(dec("10")))
		assert.Empty(t, rec.Events())
	})
}

func TestAllocateSurvivesSinkFailure(t *testing.T) {
	failing := messaging.SinkFunc(func(context.Context, []events.Event) error { return errors.New("broker down") })
	m := NewMatcher(WithSink(failing))
	pool, err := NewOfferPool(mustOffer(t, offerParams("10", "0.20", 5)))
	require.NoError(t, err)

	res, err := m.Allocate(context.Background(), []*Request{mustRequest(t, requestParams("10", "0.30"))}, pool)
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)
}

func TestNewOffer(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*OfferParams)
		field string
	}{
		{"should require an id", func(p *OfferParams) { p.ID = uuid.Nil }, "ID"},
		{"should require a seller", func(p *OfferParams) { p.SellerID = uuid.Nil }, "SellerID"},
		{"should reject a zero amount", func(p *OfferParams) { p.Amount = decimal.Zero }, "Amount"},
		{"should reject a negative price", func(p *OfferParams) { p.Price = dec("-0.1") }, "Price"},
		{"should reject the any source", func(p *OfferParams) { p.Source = energy.Any }, "Source"},
		{"should reject reliability above one", func(p *OfferParams) { p.Reliability = 1.2 }, "Reliability"},
		{"should reject an inverted window", func(p *OfferParams) { p.AvailableFrom = p.AvailableUntil.Add(time.Hour) }, "AvailableFrom"},
		{"should reject a bad location", func(p *OfferParams) { p.Location = geo.Point{Lat: 91} }, "Location"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := offerParams("10", "0.20", 5)
			tt.edit(&p)
			_, err := NewOffer(p)
			require.ErrorIs(t, err, ErrInvalidOffer)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("should start with the full amount remaining", func(t *testing.T) {
		o := mustOffer(t, offerParams("12.5", "0.20", 5))
		assert.True(t, o.Remaining().Equal(dec("12.5")))
	})
}

func TestNewRequest(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		r := mustRequest(t, requestParams("10", "0.30"))
		assert.Equal(t, scoring.Balanced, r.Profile)
		assert.Equal(t, energy.Any, r.AcceptedSource)
		assert.Equal(t, DefaultMaxDistanceKm, r.MaxDistanceKm)
		assert.Equal(t, DefaultMaxCarbonIntensity, r.MaxCarbonIntensity)
	})

	t.Run("should keep explicit options", func(t *testing.T) {
		p := requestParams("10", "0.30")
		p.Profile = ptr(scoring.CarbonMinimization)
		p.MaxDistanceKm = ptr(25.0)
		p.MaxCarbonIntensity = ptr(0.4)
		r := mustRequest(t, p)
		assert.Equal(t, scoring.CarbonMinimization, r.Profile)
		assert.Equal(t, 25.0, r.MaxDistanceKm)
		assert.Equal(t, 0.4, r.MaxCarbonIntensity)
	})

	tests := []struct {
		name  string
		edit  func(*RequestParams)
		field string
	}{
		{"should require an id", func(p *RequestParams) { p.ID = uuid.Nil }, "ID"},
		{"should require a deadline", func(p *RequestParams) { p.Deadline = time.Time{} }, "Deadline"},
		{"should reject a zero amount", func(p *RequestParams) { p.Amount = decimal.Zero }, "Amount"},
		{"should reject a zero ceiling", func(p *RequestParams) { p.MaxPrice = decimal.Zero }, "MaxPrice"},
		{"should reject urgency above one", func(p *RequestParams) { p.Urgency = 1.5 }, "Urgency"},
		{"should reject a non-positive distance", func(p *RequestParams) { p.MaxDistanceKm = ptr(0.0) }, "MaxDistanceKm"},
		{"should reject an unknown profile", func(p *RequestParams) { p.Profile = ptr(scoring.Profile(42)) }, "Profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := requestParams("10", "0.30")
			tt.edit(&p)
			_, err := NewRequest(p)
			require.ErrorIs(t, err, ErrInvalidRequest)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
