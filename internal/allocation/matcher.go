// Package allocation pairs buyer requests with heterogeneous seller offers.
// Offers are filtered, ranked with a priority profile and taken greedily, so
// one request may be split across several offers.
package allocation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/pkg/geo"
	"github.com/powershare/energymatch/pkg/messaging"
	"github.com/powershare/energymatch/pkg/scoring"
	"github.com/powershare/energymatch/pkg/units"
)

// MatchNamespace seeds deterministic match ids.
var MatchNamespace = uuid.MustParse("c3a7d1f4-58e2-5b09-8f6d-4a1e2b7c9d30")

// MatchID derives the id of the n-th match produced for a request from an offer.
func MatchID(requestID, offerID uuid.UUID, n int) uuid.UUID {
	return uuid.NewSHA1(MatchNamespace, []byte("match/"+requestID.String()+"/"+offerID.String()+"/"+strconv.Itoa(n)))
}

// Matcher runs allocation batches.
type Matcher struct {
	model  *scoring.Model
	sink   messaging.Sink
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithModel replaces the default scoring weights.
func WithModel(m *scoring.Model) Option {
	return func(mt *Matcher) { mt.model = m }
}

// WithSink sets where MatchProduced events go.
func WithSink(s messaging.Sink) Option {
	return func(mt *Matcher) { mt.sink = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(mt *Matcher) { mt.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(mt *Matcher) { mt.now = now }
}

func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		model:  scoring.DefaultModel(),
		sink:   messaging.Discard,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type candidate struct {
	offer    *Offer
	distance float64
	score    scoring.Score
}

// Allocate serves requests against pool, most urgent first, then earliest
// deadline, then input order. Unmet demand is reported as a Shortfall.
func (m *Matcher) Allocate(ctx context.Context, requests []*Request, pool *OfferPool) (*BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queue, err := orderRequests(requests)
	if err != nil {
		return nil, err
	}

	now := m.now()
	result := &BatchResult{Matches: []MatchResult{}, Shortfalls: []Shortfall{}}

	pool.mu.Lock()
	for _, r := range queue {
		matches := m.allocateOne(r, pool, now)
		result.Matches = append(result.Matches, matches...)

		matched := decimal.Zero
		for _, mr := range matches {
			matched = matched.Add(mr.Amount)
		}
		if unmet := r.Amount.Sub(matched); unmet.IsPositive() {
			result.Shortfalls = append(result.Shortfalls, Shortfall{
				RequestID: r.ID,
				BuyerID:   r.BuyerID,
				Requested: r.Amount,
				Matched:   matched,
				Unmet:     unmet,
			})
		}
	}
	pool.mu.Unlock()

	m.publish(ctx, result.Matches)
	m.logger.Debug("allocation batch complete",
		zap.Int("requests", len(queue)),
		zap.Int("matches", len(result.Matches)),
		zap.Int("shortfalls", len(result.Shortfalls)))
	return result, nil
}

// FindMatches allocates requests against private copies of offers; the
// caller's offers are left untouched.
func (m *Matcher) FindMatches(ctx context.Context, requests []*Request, offers []*Offer) ([]MatchResult, error) {
	copies := make([]*Offer, 0, len(offers))
	for _, o := range offers {
		if o == nil {
			return nil, fmt.Errorf("%w: nil offer", ErrInvalidOffer)
		}
		copies = append(copies, o.clone())
	}
	pool, err := NewOfferPool(copies...)
	if err != nil {
		return nil, err
	}
	res, err := m.Allocate(ctx, requests, pool)
	if err != nil {
		return nil, err
	}
	return res.Matches, nil
}

func orderRequests(requests []*Request) ([]*Request, error) {
	seen := make(map[uuid.UUID]struct{}, len(requests))
	queue := make([]*Request, 0, len(requests))
	for _, r := range requests {
		if r == nil {
			return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate request %s in batch", ErrInvalidRequest, r.ID)
		}
		seen[r.ID] = struct{}{}
		queue = append(queue, r)
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Urgency != queue[j].Urgency {
			return queue[i].Urgency > queue[j].Urgency
		}
		return queue[i].Deadline.Before(queue[j].Deadline)
	})
	return queue, nil
}

// allocateOne greedily fills r from the best-scored compatible offers;
// pool.mu must be held.
func (m *Matcher) allocateOne(r *Request, pool *OfferPool, now time.Time) []MatchResult {
	candidates := m.candidates(r, pool)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score.Total > candidates[j].score.Total
	})

	var out []MatchResult
	need := r.Amount
	for _, c := range candidates {
		if !need.IsPositive() {
			break
		}
		take := decimal.Min(need, c.offer.remaining)
		if !take.IsPositive() {
			continue
		}
		pool.take(c.offer, take)
		need = need.Sub(take)
		out = append(out, m.result(r, c, take, len(out), now))

		if r.SingleSupplier {
			break
		}
	}
	return out
}

func (m *Matcher) candidates(r *Request, pool *OfferPool) []candidate {
	var out []candidate
	for _, o := range pool.offers {
		if !o.remaining.IsPositive() || o.Price.GreaterThan(r.MaxPrice) {
			continue
		}
		if !r.AcceptedSource.Accepts(o.Source) || !o.Covers(r.Deadline) {
			continue
		}
		if o.RenewableShare < r.MinRenewableShare || !meetsQuality(o, r.QualityThresholds) {
			continue
		}
		distance := geo.DistanceKm(r.Location, o.Location)
		if distance > r.MaxDistanceKm {
			continue
		}

		score := m.model.Score(scoring.Input{
			OfferPrice:      units.Float64(o.Price),
			MaxPrice:        units.Float64(r.MaxPrice),
			DistanceKm:      distance,
			MaxDistanceKm:   r.MaxDistanceKm,
			CarbonIntensity: o.CarbonIntensity,
			MaxCarbon:       r.MaxCarbonIntensity,
			Reliability:     o.Reliability,
			RenewableShare:  o.RenewableShare,
			Urgency:         r.Urgency,
		}, r.Profile)
		out = append(out, candidate{offer: o, distance: distance, score: score})
	}
	return out
}

// meetsQuality treats a metric the offer does not report as 0.
func meetsQuality(o *Offer, thresholds map[string]float64) bool {
	for metric, min := range thresholds {
		if o.QualityMetrics[metric] < min {
			return false
		}
	}
	return true
}

func (m *Matcher) result(r *Request, c candidate, amount decimal.Decimal, n int, now time.Time) MatchResult {
	o := c.offer
	return MatchResult{
		ID:               MatchID(r.ID, o.ID, n),
		OfferID:          o.ID,
		RequestID:        r.ID,
		SellerID:         o.SellerID,
		BuyerID:          r.BuyerID,
		Source:           o.Source,
		Amount:           amount,
		Price:            finalPrice(o.Price, r.MaxPrice, r.Urgency, c.score.Total),
		Score:            c.score.Total,
		Dimensions:       c.score.Dimensions,
		DistanceKm:       c.distance,
		CarbonImpactKg:   units.Float64(amount) * o.CarbonIntensity,
		DeliveryEstimate: deliveryEstimate(c.distance),
		Confidence:       confidence(c.score.Total),
		Reasoning:        reasoning(r, o, c.score, c.distance),
		CreatedAt:        now,
	}
}
