package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = gobreaker.ErrOpenState

	// ErrTimeout wraps calls that ran past their deadline.
	ErrTimeout = errors.New("operation timed out")
)

// BreakerConfig configures the circuit breaker around backend calls.
type BreakerConfig struct {
	Name string `yaml:"-"`

	// MaxFailures trips the breaker after this many consecutive failures.
	MaxFailures int `yaml:"max_failures" validate:"gte=0"`

	// Timeout bounds one call when the caller sets no deadline.
	Timeout time.Duration `yaml:"-"`

	// HalfOpenLimit is the number of trial calls allowed when half-open.
	HalfOpenLimit int `yaml:"half_open_limit" validate:"gte=0"`

	// ResetInterval is how long the breaker stays open.
	ResetInterval time.Duration `yaml:"reset_interval" validate:"gte=0"`
}

// DefaultBreakerConfig returns breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:   5,
		HalfOpenLimit: 1,
		ResetInterval: 60 * time.Second,
	}
}

// CircuitBreaker fails fast after repeated backend errors.
type CircuitBreaker struct {
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a breaker. Zero fields take defaults.
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenLimit <= 0 {
		cfg.HalfOpenLimit = def.HalfOpenLimit
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = def.ResetInterval
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenLimit),
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		// Caller cancellation says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("ai: circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			}
		},
	}

	return &CircuitBreaker{
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the breaker state ("closed", "half-open", "open").
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

// Execute runs op through the breaker.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	_, err := b.cb.Execute(func() (any, error) {
		if err := op(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, err
		}
		return nil, nil
	})
	return err
}
