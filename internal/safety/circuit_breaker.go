// Package safety provides the transport guards wrapped around broker calls:
// a circuit breaker that sheds load when the venue misbehaves and a token
// bucket that keeps request rates inside venue limits.
package safety

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned by Call while the breaker is shedding load.
type ErrBreakerOpen struct {
	Name string
}

func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// BreakerConfig tunes a circuit breaker. Zero fields get defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // open duration before probing
}

// Breaker is a CLOSED/OPEN/HALF_OPEN circuit breaker guarding one dependency.
type Breaker struct {
	name      string
	config    BreakerConfig
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(from, to BreakerState)
}

// NewBreaker creates a breaker with defaults applied.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Breaker{name: name, config: config, state: BreakerClosed}
}

// OnStateChange registers a callback invoked on every transition. The
// callback runs on its own goroutine so it may not block Call.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Call runs fn under breaker protection.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return &ErrBreakerOpen{Name: b.name}
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state, moving OPEN to HALF_OPEN once the probe
// timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(BreakerClosed)
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state != BreakerOpen
}

// maybeProbe moves OPEN to HALF_OPEN after the timeout. Caller holds b.mu.
func (b *Breaker) maybeProbe() {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.config.Timeout {
		b.transition(BreakerHalfOpen)
		b.successes = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(BreakerClosed)
			b.failures = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// open transitions to OPEN. Caller holds b.mu.
func (b *Breaker) open() {
	b.transition(BreakerOpen)
	b.openedAt = time.Now()
	b.failures = 0
}

// transition changes state and fires the callback. Caller holds b.mu.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(from, to)
	}
}
