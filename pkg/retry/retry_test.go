package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func isFlaky(err error) bool { return errors.Is(err, errFlaky) }

func TestComputeBackoff_ExponentialAndCapped(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "p", BaseMs: 100, MaxMs: 1000, MaxAttempts: 6}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(BackoffParams{AttemptIndex: 0}, policy))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(BackoffParams{AttemptIndex: 1}, policy))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(BackoffParams{AttemptIndex: 2}, policy))
	assert.Equal(t, 1000*time.Millisecond, ComputeBackoff(BackoffParams{AttemptIndex: 4}, policy))
	assert.Equal(t, 1000*time.Millisecond, ComputeBackoff(BackoffParams{AttemptIndex: 40}, policy))
}

func TestComputeBackoff_JitterIsDeterministic(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "p", BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 4}
	params := BackoffParams{PolicyID: "p", Key: "wf_1:settle", AttemptIndex: 2}

	first := ComputeBackoff(params, policy)
	second := ComputeBackoff(params, policy)
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, 400*time.Millisecond)
	assert.Less(t, first, 450*time.Millisecond)
}

func TestSchedule(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "p", BaseMs: 100, MaxMs: 30000, MaxAttempts: 4}
	s := Schedule("k", policy)
	require.Len(t, s, 4)
	assert.Equal(t, []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, s)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var waits []time.Duration
	r := New(BackoffPolicy{PolicyID: "p", BaseMs: 10, MaxMs: 100, MaxAttempts: 4}).
		WithSleep(func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		})

	calls := 0
	err := r.Do(context.Background(), "k", isFlaky, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, waits)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	r := New(BackoffPolicy{MaxAttempts: 5}).WithSleep(func(context.Context, time.Duration) error { return nil })
	permanent := errors.New("permanent")

	calls := 0
	err := r.Do(context.Background(), "k", isFlaky, func(context.Context, int) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	r := New(BackoffPolicy{MaxAttempts: 3}).WithSleep(func(context.Context, time.Duration) error { return nil })

	err := r.Do(context.Background(), "k", isFlaky, func(context.Context, int) error { return errFlaky })

	var ex *Exhausted
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(BackoffPolicy{BaseMs: 1000, MaxMs: 1000, MaxAttempts: 3})

	err := r.Do(ctx, "k", isFlaky, func(context.Context, int) error { return errFlaky })
	assert.ErrorIs(t, err, context.Canceled)
}
