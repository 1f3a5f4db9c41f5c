package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

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

// OpenError is returned without calling through while the breaker is open.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Breaker stops calling a failing collaborator for ResetTimeout after MaxFailures consecutive failures,
// then lets a single probe through.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(name string, maxFailures int, resetTimeout time.Duration, logger logrus.FieldLogger) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Breaker{name: name, maxFailures: maxFailures, resetTimeout: resetTimeout, logger: logger, now: time.Now}
}

// Execute runs fn unless the breaker is open. ignore marks errors that say nothing about the collaborator's health.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error, ignore func(error) bool) error {
	if !b.allow() {
		return &OpenError{Name: b.name}
	}
	err := fn(ctx)
	if err != nil && (ignore == nil || !ignore(err)) {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.WithField("circuit_breaker", b.name).Info("Circuit breaker half-open, probing")
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.logger.WithField("circuit_breaker", b.name).Info("Circuit breaker closed after successful probe")
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.WithFields(logrus.Fields{
			"circuit_breaker": b.name,
			"failures":        b.failures,
		}).Warn("Circuit breaker opened")
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
