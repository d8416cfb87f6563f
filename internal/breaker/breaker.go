// Package breaker protects outbound HTTP dependencies (the control plane and
// the embedding service) from cascading failures.
//
// When closed, calls pass through. After MaxFailures consecutive failures the
// breaker opens and rejects calls with ErrOpen until Timeout elapses, then lets
// HalfOpenMaxSuccesses trial calls through before closing again.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the breaker thresholds.
type Config struct {
	// Name identifies the breaker in state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that trips the breaker.
	// Default: 3
	MaxFailures uint32

	// Timeout is how long the breaker stays open before going half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of trial calls allowed while half-open.
	// Default: 2
	HalfOpenMaxSuccesses uint32

	// OnStateChange is invoked on every transition. Optional.
	OnStateChange func(name, from, to string)
}

// Breaker wraps gobreaker with context awareness.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker; zero-valued thresholds take the defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Caller cancellation says nothing about the dependency's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A context that is already done fails
// fast without counting against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
