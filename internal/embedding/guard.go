package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the breaker rejects calls to a failing
// generator. It always arrives wrapped in ErrUpstream.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// GuardOptions configures a GuardedGenerator.
type GuardOptions struct {
	// MaxFailures is the number of consecutive failures that trips the
	// breaker. Default: 3
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before letting a probe
	// through. Default: 30 seconds
	OpenTimeout time.Duration

	// HalfOpenMaxSuccesses is the number of probes allowed, and required to
	// succeed, before the breaker closes again. Default: 2
	HalfOpenMaxSuccesses uint32

	// RatePerSecond caps sustained calls to the generator. Zero disables
	// rate limiting.
	RatePerSecond float64

	// Burst is the limiter bucket size. Default: 1
	Burst int

	Logger *slog.Logger
}

// Normalize applies defaults.
func (o *GuardOptions) Normalize() {
	if o.MaxFailures == 0 {
		o.MaxFailures = 3
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.HalfOpenMaxSuccesses == 0 {
		o.HalfOpenMaxSuccesses = 2
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// GuardMetrics counts calls made through a GuardedGenerator.
type GuardMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// GuardedGenerator protects an external Generator with a circuit breaker and
// a rate limiter.
//
// While closed, calls pass through. After MaxFailures consecutive failures
// the breaker opens and rejects calls with ErrCircuitOpen. After OpenTimeout
// it lets HalfOpenMaxSuccesses probes through and closes once they succeed.
type GuardedGenerator struct {
	inner   Generator
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mu      sync.RWMutex
	metrics GuardMetrics
}

// NewGuardedGenerator wraps inner.
func NewGuardedGenerator(inner Generator, opts GuardOptions) *GuardedGenerator {
	opts.Normalize()
	g := &GuardedGenerator{inner: inner}

	logger := opts.Logger
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-generator",
		MaxRequests: opts.HalfOpenMaxSuccesses,
		Interval:    0,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about the generator's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding: generator breaker changed state",
				"name", name, "from", from.String(), "to", to.String())
		},
	})

	if opts.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst)
	}
	return g
}

// Embed waits for a rate-limit token, then calls the inner generator
// through the breaker. Context errors are returned unwrapped; everything
// else wraps ErrUpstream.
func (g *GuardedGenerator) Embed(ctx context.Context, c Content) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return Embedding{}, err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Embedding{}, ctxErr
			}
			g.record(false)
			return Embedding{}, fmt.Errorf("%w: rate limit: %w", ErrUpstream, err)
		}
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return g.inner.Embed(ctx, c)
	})
	if err != nil {
		g.record(false)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Embedding{}, fmt.Errorf("%w: %w", ErrUpstream, ErrCircuitOpen)
		}
		return Embedding{}, upstream(err)
	}
	g.record(true)
	return result.(Embedding), nil
}

// State returns the breaker state: "closed", "open" or "half-open".
func (g *GuardedGenerator) State() string {
	return g.breaker.State().String()
}

// Metrics returns call counters.
func (g *GuardedGenerator) Metrics() GuardMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := g.breaker.Counts()
	m := g.metrics
	m.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	m.ConsecutiveFailures = counts.ConsecutiveFailures
	return m
}

func (g *GuardedGenerator) record(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics.TotalRequests++
	if ok {
		g.metrics.TotalSuccesses++
	} else {
		g.metrics.TotalFailures++
	}
}
