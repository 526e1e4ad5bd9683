package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the wrapped operation while the
// breaker is open or a half-open trial is already in flight.
var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker wraps one class of external operations. Consecutive failures open
// the circuit; after the cooldown a single trial call decides whether it
// closes again or reopens.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	openedAt        time.Time
	trialInFlight   bool
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Execute runs fn under breaker protection. A context timeout or
// cancellation inside fn counts as a failure like any other error.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.state = StateHalfOpen
			b.trialInFlight = true
			return nil
		}
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	case StateHalfOpen:
		// Exactly one trial call is allowed per half-open window.
		if b.trialInFlight {
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err != nil {
			b.failureCount++
			b.lastFailureTime = time.Now()
			if b.failureCount >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = time.Now()
			}
		} else {
			b.failureCount = 0
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if err != nil {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.lastFailureTime = time.Now()
		} else {
			b.state = StateClosed
			b.failureCount = 0
		}
	case StateOpen:
		// A late result from a call admitted before the transition; the
		// circuit stays open until its own cooldown decides otherwise.
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a read-only snapshot for observability endpoints.
type Stats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	return s
}
