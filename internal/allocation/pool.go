package allocation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powershare/energymatch/pkg/invariant"
)

// OfferPool owns a set of offers and serialises allocation against them: one
// batch at a time, so capacity taken by one request is visible to the next.
type OfferPool struct {
	mu     sync.Mutex
	offers []*Offer
	index  map[uuid.UUID]int
}

// NewOfferPool takes ownership of offers.
func NewOfferPool(offers ...*Offer) (*OfferPool, error) {
	p := &OfferPool{index: make(map[uuid.UUID]int, len(offers))}
	for _, o := range offers {
		if err := p.add(o); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add appends an offer. Offers keep their insertion order, which breaks score ties.
func (p *OfferPool) Add(o *Offer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(o)
}

func (p *OfferPool) add(o *Offer) error {
	if o == nil {
		return fmt.Errorf("%w: nil offer", ErrInvalidOffer)
	}
	if _, exists := p.index[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOffer, o.ID)
	}
	p.index[o.ID] = len(p.offers)
	p.offers = append(p.offers, o)
	return nil
}

// Remaining returns the unallocated amount of an offer.
func (p *OfferPool) Remaining(id uuid.UUID) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, exists := p.index[id]
	if !exists {
		return decimal.Zero, false
	}
	return p.offers[i].remaining, true
}

// Offers returns copies of the pooled offers in insertion order.
func (p *OfferPool) Offers() []Offer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Offer, len(p.offers))
	for i, o := range p.offers {
		out[i] = *o.clone()
	}
	return out
}

// Len returns the number of pooled offers.
func (p *OfferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offers)
}

// take commits amount from offer o; p.mu must be held.
func (p *OfferPool) take(o *Offer, amount decimal.Decimal) {
	invariant.Check(amount.IsPositive(), "offer %s: non-positive allocation %s", o.ID, amount)
	invariant.Check(amount.LessThanOrEqual(o.remaining), "offer %s: allocating %s of remaining %s", o.ID, amount, o.remaining)
	o.remaining = o.remaining.Sub(amount)
}
