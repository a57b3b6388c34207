package cosign

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(now *time.Time) *Manager {
	return NewManager(time.Hour).WithClock(func() time.Time { return *now })
}

func TestManager_ApproveLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(&now)

	req, err := m.Open(ctx, "wf_1", KindCosign, "treasury", decimal.NewFromInt(1500), "above threshold")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, now.Add(time.Hour), req.ExpiresAt)
	assert.Equal(t, 1, m.PendingCount())

	again, err := m.Open(ctx, "wf_1", KindCosign, "treasury", decimal.NewFromInt(1500), "")
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)

	_, err = m.Resolve(ctx, "wf_1", KindCosign, "sales", "bob", true)
	require.ErrorIs(t, err, ErrGroupMismatch)
	got, err := m.Get("wf_1", KindCosign)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	now = now.Add(10 * time.Minute)
	receipt, err := m.Resolve(ctx, "wf_1", KindCosign, "treasury", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, receipt.Outcome)
	assert.Equal(t, "alice", receipt.ResolvedBy)
	assert.Equal(t, int64(600000), receipt.DurationMs)
	assert.Equal(t, 0, m.PendingCount())

	ok, err := VerifyReceipt(receipt)
	require.NoError(t, err)
	assert.True(t, ok)

	receipt.ResolvedBy = "mallory"
	ok, err = VerifyReceipt(receipt)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Resolve(ctx, "wf_1", KindCosign, "treasury", "alice", true)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestManager_DenyAndUnknown(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(&now)

	_, err := m.Resolve(ctx, "wf_x", KindCosign, "treasury", "alice", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Open(ctx, "wf_2", KindReview, "", decimal.NewFromInt(30000), "manual review required")
	require.NoError(t, err)
	receipt, err := m.Resolve(ctx, "wf_2", KindReview, "risk-ops", "carol", false)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, receipt.Outcome)
}

func TestManager_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(&now)

	_, err := m.Open(ctx, "wf_a", KindCosign, "treasury", decimal.NewFromInt(1), "")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = m.Open(ctx, "wf_b", KindCosign, "treasury", decimal.NewFromInt(1), "")
	require.NoError(t, err)

	now = now.Add(59*time.Minute + time.Second)
	expired, err := m.Expired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "wf_a", expired[0].WorkflowID)
	assert.Equal(t, StatusTimedOut, expired[0].Outcome)

	// Resolving after expiry times out rather than approving.
	now = now.Add(2 * time.Minute)
	receipt, err := m.Resolve(ctx, "wf_b", KindCosign, "treasury", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, receipt.Outcome)

	expired, err = m.Expired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	m.Forget("wf_a")
	_, err = m.Get("wf_a", KindCosign)
	assert.ErrorIs(t, err, ErrNotFound)
}
