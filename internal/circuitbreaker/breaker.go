// Package circuitbreaker guards the audit drainer's ledger deliveries.
// After a configured run of consecutive failures the breaker opens and
// delivery attempts are refused until a probe succeeds in half-open.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state, exposed as an observable.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	Name string

	// ConsecutiveFailures opens the breaker when reached.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// HalfOpenProbes is how many consecutive successes close it again.
	HalfOpenProbes uint32

	// OnStateChange observes transitions; may be nil.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the open/half-open/closed machine. Results from a
// previous generation (stale in-flight calls across a transition) are
// ignored.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	failures   uint32
	successes  uint32
	openedAt   time.Time
}

// New creates a breaker. Zero config fields get conservative defaults.
func New(cfg Config) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed, returning the generation to
// hand back to Record.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(time.Now())
	if b.state == StateOpen {
		return b.generation, ErrOpen
	}
	return b.generation, nil
}

// Record reports a call outcome for the given generation.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(time.Now())
	if generation != b.generation {
		return
	}

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.HalfOpenProbes {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.ConsecutiveFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// State returns the current state, advancing open → half-open when the
// open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state
}

func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
