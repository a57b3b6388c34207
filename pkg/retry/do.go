package retry

import (
	"context"
	"fmt"
	"time"
)

// Func is one attempt. attempt starts at 0.
type Func func(ctx context.Context, attempt int) error

// Classifier decides whether a failed attempt may be retried.
type Classifier func(error) bool

// Exhausted wraps the last error once the policy runs out of attempts.
type Exhausted struct {
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() error { return e.Last }

// Retrier runs Funcs under a policy.
type Retrier struct {
	policy BackoffPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier. A policy with MaxAttempts < 1 runs once.
func New(policy BackoffPolicy) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, sleep: sleepContext}
}

// WithSleep overrides the wait between attempts for deterministic testing.
func (r *Retrier) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Retrier {
	r.sleep = sleep
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() BackoffPolicy { return r.policy }

// Do runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx ends. Non-retryable errors are returned unwrapped.
func (r *Retrier) Do(ctx context.Context, key string, retryable Classifier, fn Func) error {
	var last error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(BackoffParams{PolicyID: r.policy.PolicyID, Key: key, AttemptIndex: attempt}, r.policy)
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return &Exhausted{Attempts: r.policy.MaxAttempts, Last: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
