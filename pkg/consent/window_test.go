package consent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindow_DailyRollsOff(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow()
	q := Quota{DailyUSD: usd("1000"), MaxPerHour: 100}

	_, err := w.Reserve(ctx, "c1", q, usd("700"), t0, true)
	require.NoError(t, err)
	_, err = w.Reserve(ctx, "c1", q, usd("400"), t0.Add(23*time.Hour), true)
	assert.ErrorIs(t, err, ErrDailyLimit)

	u, err := w.Reserve(ctx, "c1", q, usd("400"), t0.Add(24*time.Hour), true)
	require.NoError(t, err)
	assert.True(t, u.DailyTotal.Equal(usd("400")))
}

func TestMemoryWindow_CheckOnlyRecordsNothing(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow()
	q := Quota{DailyUSD: usd("1000"), MaxPerHour: 1}

	u, err := w.Reserve(ctx, "c1", q, usd("900"), t0, false)
	require.NoError(t, err)
	assert.Empty(t, u.ID)

	_, err = w.Reserve(ctx, "c1", q, usd("900"), t0, true)
	assert.NoError(t, err)
}

func TestMemoryWindow_OutOfOrderEvents(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow()
	q := Quota{DailyUSD: usd("1000"), MaxPerHour: 100}

	_, err := w.Reserve(ctx, "c1", q, usd("100"), t0.Add(2*time.Hour), true)
	require.NoError(t, err)
	_, err = w.Reserve(ctx, "c1", q, usd("100"), t0, true)
	require.NoError(t, err)

	// At t0+24h the t0 event has expired but the later one has not.
	u, err := w.Reserve(ctx, "c1", q, usd("100"), t0.Add(24*time.Hour), false)
	require.NoError(t, err)
	assert.True(t, u.DailyTotal.Equal(usd("200")))
}

func TestMemoryWindow_ConsentsIsolated(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow()
	q := Quota{DailyUSD: usd("100"), MaxPerHour: 100}

	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.Reserve(ctx, fmt.Sprintf("c%d", i), q, usd("100"), t0, true)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestMemoryWindow_ReleaseUnknownIsNoop(t *testing.T) {
	assert.NoError(t, NewMemoryWindow().Release(context.Background(), "c1", "nope"))
}

func TestMemoryWindow_FutureCheckKeepsEarlierUsage(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow()
	w.clock = func() time.Time { return t0 }
	q := Quota{DailyUSD: usd("1000"), MaxPerHour: 100}

	_, err := w.Reserve(ctx, "c1", q, usd("800"), t0, true)
	require.NoError(t, err)

	u, err := w.Reserve(ctx, "c1", q, usd("800"), t0.Add(48*time.Hour), false)
	require.NoError(t, err)
	assert.True(t, u.DailyTotal.Equal(usd("800")))

	_, err = w.Reserve(ctx, "c1", q, usd("300"), t0.Add(time.Minute), false)
	assert.ErrorIs(t, err, ErrDailyLimit)
}
