package rails

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kenhuangus/agent-payment-platform/pkg/retry"
)

// ResilientConfig tunes the wrapper. A zero RatePerSecond disables pacing.
type ResilientConfig struct {
	BreakerThreshold int                 `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerReset     time.Duration       `mapstructure:"breaker_reset" yaml:"breaker_reset"`
	RatePerSecond    float64             `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst            int                 `mapstructure:"burst" yaml:"burst"`
	Retry            retry.BackoffPolicy `mapstructure:"retry" yaml:"retry"`
}

// DefaultResilientConfig opens after 5 failures for 10s, paces 50 calls/s
// per rail and retries transient errors with the default backoff.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
		RatePerSecond:    50,
		Burst:            10,
		Retry:            retry.DefaultPolicy(),
	}
}

type railGuard struct {
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

// Resilient wraps an Adapter with a per-rail circuit breaker and rate
// limiter, retrying transient errors under a backoff policy.
type Resilient struct {
	next    Adapter
	cfg     ResilientConfig
	retrier *retry.Retrier
	logger  *slog.Logger

	mu     sync.Mutex
	guards map[string]*railGuard
}

// NewResilient wraps next.
func NewResilient(next Adapter, cfg ResilientConfig) *Resilient {
	return &Resilient{
		next:    next,
		cfg:     cfg,
		retrier: retry.New(cfg.Retry),
		logger:  slog.Default().With("component", "rails"),
		guards:  make(map[string]*railGuard),
	}
}

// WithRetrier overrides the retrier, mainly to stub out sleeping in tests.
func (r *Resilient) WithRetrier(retrier *retry.Retrier) *Resilient {
	r.retrier = retrier
	return r
}

// WithLogger overrides the logger.
func (r *Resilient) WithLogger(logger *slog.Logger) *Resilient {
	r.logger = logger.With("component", "rails")
	return r
}

// Breaker returns the breaker guarding rail.
func (r *Resilient) Breaker(rail string) *CircuitBreaker {
	return r.guard(rail).breaker
}

func (r *Resilient) guard(rail string) *railGuard {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.guards[rail]
	if !ok {
		limit := rate.Inf
		if r.cfg.RatePerSecond > 0 {
			limit = rate.Limit(r.cfg.RatePerSecond)
		}
		burst := r.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g = &railGuard{
			breaker: NewCircuitBreaker(rail, r.cfg.BreakerThreshold, r.cfg.BreakerReset),
			limiter: rate.NewLimiter(limit, burst),
		}
		r.guards[rail] = g
	}
	return g
}

func (r *Resilient) Submit(ctx context.Context, sub Submission) (Ack, error) {
	g := r.guard(sub.Rail)

	var ack Ack
	err := r.retrier.Do(ctx, sub.IdempotencyKey, IsTransient, func(ctx context.Context, attempt int) error {
		if !g.breaker.Allow() {
			return Transient("circuit_open", "circuit breaker open for %s", sub.Rail)
		}
		if err := g.limiter.Wait(ctx); err != nil {
			g.breaker.Abandon()
			return FromContext(ctx, err)
		}

		a, err := r.next.Submit(ctx, sub)
		if err != nil {
			if IsTransient(err) {
				g.breaker.Failure()
				r.logger.WarnContext(ctx, "transient rail error",
					"rail", sub.Rail, "step", sub.Step, "attempt", attempt, "error", err)
			} else {
				g.breaker.Abandon()
			}
			return FromContext(ctx, err)
		}
		g.breaker.Success()
		ack = a
		return nil
	})
	if err != nil {
		return Ack{}, FromContext(ctx, err)
	}
	return ack, nil
}
