// Package resilience provides reliability patterns for external service calls
// and contended record store writes.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen matches every *OpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError reports a call rejected by an open breaker.
type OpenError struct {
	Key     string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit for %s is open, retry in %s", e.Key, e.RetryIn.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State is the position of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker stops calling an endpoint after maxFailures consecutive failures.
// After cooldown a single probe is let through: success closes the breaker,
// failure opens it for another cooldown.
type Breaker struct {
	key         string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker for key.
func NewBreaker(key string, maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		key:         key,
		maxFailures: max(maxFailures, 1),
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open. Errors caused by ctx ending are
// passed through without counting against the endpoint.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err, ctx.Err() != nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		wait := b.cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return &OpenError{Key: b.key, RetryIn: wait}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{Key: b.key}
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error, callerGaveUp bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == StateHalfOpen
	b.probing = false
	switch {
	case err == nil:
		b.failures = 0
		b.transition(StateClosed)
	case callerGaveUp:
		// Not the endpoint's fault. A cancelled probe leaves the breaker
		// half-open for the next caller.
	default:
		b.failures++
		if wasProbe || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker", "key", b.key, "from", b.state, "to", to, "failures", b.failures)
	b.state = to
}

// State returns the current position of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet hands out one Breaker per evaluator host, so a failing host
// does not block dispatches to healthy ones.
type BreakerSet struct {
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates a set whose breakers share one configuration.
func NewBreakerSet(maxFailures int, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// For returns the breaker for key, creating it on first use.
func (s *BreakerSet) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(key, s.maxFailures, s.cooldown)
		s.breakers[key] = b
	}
	return b
}

// Open lists the keys whose breakers are not closed.
func (s *BreakerSet) Open() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State)
	for k, b := range s.breakers {
		if st := b.State(); st != StateClosed {
			out[k] = st
		}
	}
	return out
}
