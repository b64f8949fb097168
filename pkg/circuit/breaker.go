// Package circuit guards calls to remote event sinks so a failing broker is
// given time to recover instead of being hammered on every relay tick.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int
	now         func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	inFlight      int
	openedAt      time.Time
	onStateChange func(name string, from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		halfOpenMax:   cfg.HalfOpenMax,
		now:           cfg.Now,
		state:         StateClosed,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn unless the breaker is open. Context cancellation is not
// counted as a failure of the protected call.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := b.allowRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.record(generation, true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release(generation)
	default:
		b.record(generation, false)
	}
	return err
}

// allowRequest reports which state admitted the call.
func (b *Breaker) allowRequest() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return StateClosed, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return StateOpen, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.inFlight = 1
		return StateHalfOpen, nil

	case StateHalfOpen:
		if b.inFlight >= b.halfOpenMax {
			return StateHalfOpen, ErrTooManyRequests
		}
		b.inFlight++
		return StateHalfOpen, nil

	default:
		return b.state, errors.New("unknown state")
	}
}

func (b *Breaker) record(admittedIn State, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if admittedIn == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	// A result from before the last transition says nothing about the new state.
	if admittedIn != b.state {
		return
	}

	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}

	case StateHalfOpen:
		if !ok {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) release(admittedIn State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if admittedIn == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

// trip opens the breaker; b.mu must be held.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

// setState transitions and resets counters; b.mu must be held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to != StateHalfOpen {
		b.inFlight = 0
	}
	if b.onStateChange != nil {
		// Invoked asynchronously so callbacks may inspect the breaker.
		go b.onStateChange(b.name, from, to)
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns current failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
}

// ForceOpen forces the circuit breaker to open state
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// BreakerGroup manages one breaker per downstream sink
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewBreakerGroup creates a new breaker group
func NewBreakerGroup(defaultConfig Config) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns or creates a circuit breaker for the given name
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, exists := g.breakers[name]; exists {
		return b
	}
	cfg := g.config
	cfg.Name = name
	b := NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// Execute executes with the named circuit breaker
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States returns all breaker states
func (g *BreakerGroup) States() map[string]State {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for _, b := range breakers {
		states[b.Name()] = b.State()
	}
	return states
}
