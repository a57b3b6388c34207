package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseConsent(id string) contracts.Consent {
	return contracts.Consent{
		ID:                  id,
		AgentID:             "agent_a",
		OwnerPartyID:        "party_o",
		Rails:               []string{"ach", "wire"},
		CounterpartiesAllow: []string{"Acme Corp"},
		Limits: contracts.ConsentLimits{
			SingleTxnUSD:  usd("10000"),
			DailyUSD:      usd("10000"),
			MaxTxnPerHour: 10,
		},
		CosignRule:          contracts.CosignRule{ThresholdUSD: usd("1000000000"), ApproverGroup: "treasury"},
		PolicyBundleVersion: "1.2.0",
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	policy := DefaultPolicy()
	policy.Rates = finance.RateTable{"USD": usd("1"), "EUR": usd("1.10")}
	s, err := NewStore(NewMemoryRepository(), NewMemoryWindow(), policy)
	require.NoError(t, err)
	return s.WithClock(func() time.Time { return t0 })
}

func request(consentID, amount string) AuthorizeRequest {
	return AuthorizeRequest{
		ConsentID:    consentID,
		AgentID:      "agent_a",
		Amount:       usd(amount),
		Currency:     "USD",
		Counterparty: "acme corp",
		Rail:         "ach",
		At:           t0,
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c, err := s.Create(ctx, baseConsent("c1"))
	require.NoError(t, err)
	assert.Equal(t, t0, c.CreatedAt)

	_, err = s.Create(ctx, baseConsent("c1"))
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "party_o", got.OwnerPartyID)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*contracts.Consent)
		reason string
	}{
		{"negative daily", func(c *contracts.Consent) { c.Limits.DailyUSD = usd("-1") }, "negative_limit"},
		{"negative hourly", func(c *contracts.Consent) { c.Limits.MaxTxnPerHour = -1 }, "negative_limit"},
		{"empty rails", func(c *contracts.Consent) { c.Rails = nil }, "empty_rails"},
		{"empty counterparties", func(c *contracts.Consent) { c.CounterpartiesAllow = nil }, "empty_counterparties"},
		{"missing agent", func(c *contracts.Consent) { c.AgentID = "" }, "missing_agent"},
		{"revoked", func(c *contracts.Consent) { c.Revoked = true }, "revoked_on_create"},
		{"bad bundle", func(c *contracts.Consent) { c.PolicyBundleVersion = "latest" }, "bad_policy_bundle_version"},
		{"old bundle", func(c *contracts.Consent) { c.PolicyBundleVersion = "0.9.1" }, "unsupported_policy_bundle_version"},
		{"cosign without group", func(c *contracts.Consent) { c.CosignRule.ApproverGroup = "" }, "missing_approver_group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseConsent("c1")
			tt.mutate(&c)
			_, err := newTestStore(t).Create(context.Background(), c)
			require.ErrorIs(t, err, ErrInvalidConsent)
			e, ok := errorir.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.reason, e.Reason)
		})
	}
}

func TestCreate_RailsOptionalWhenPolicyAllows(t *testing.T) {
	s, err := NewStore(NewMemoryRepository(), NewMemoryWindow(), Policy{})
	require.NoError(t, err)

	c := baseConsent("c1")
	c.Rails = nil
	c.CounterpartiesAllow = nil
	c.PolicyBundleVersion = ""
	_, err = s.Create(context.Background(), c)
	assert.NoError(t, err)
}

func TestNewStore_BadConstraint(t *testing.T) {
	_, err := NewStore(NewMemoryRepository(), NewMemoryWindow(), Policy{BundleConstraint: ">>> nope"})
	assert.Error(t, err)
}

func TestAuthorize_DenialOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, baseConsent("c1"))
	require.NoError(t, err)

	revoked := baseConsent("c_rev")
	_, err = s.Create(ctx, revoked)
	require.NoError(t, err)
	_, err = s.Revoke(ctx, "c_rev")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
		reason string
	}{
		{"unknown consent", func(r *AuthorizeRequest) { r.ConsentID = "missing"; r.AgentID = "other" }, ReasonNotFound},
		{"revoked beats agent", func(r *AuthorizeRequest) { r.ConsentID = "c_rev"; r.AgentID = "other" }, ReasonRevoked},
		{"agent beats rail", func(r *AuthorizeRequest) { r.AgentID = "other"; r.Rail = "card" }, ReasonAgentMismatch},
		{"rail beats counterparty", func(r *AuthorizeRequest) { r.Rail = "card"; r.Counterparty = "evil" }, ReasonRailNotPermitted},
		{"counterparty beats amount", func(r *AuthorizeRequest) { r.Counterparty = "evil"; r.Amount = usd("99999") }, ReasonCounterparty},
		{"unknown currency", func(r *AuthorizeRequest) { r.Currency = "JPY" }, ReasonCurrencyUnsupported},
		{"single txn", func(r *AuthorizeRequest) { r.Amount = usd("10000.01") }, ReasonSingleTxnLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("c1", "100")
			tt.mutate(&req)
			_, err := s.Authorize(ctx, req)
			require.ErrorIs(t, err, ErrDenied)
			assert.Equal(t, tt.reason, DenialReason(err))
		})
	}
}

func TestAuthorize_CounterpartyNormalized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, baseConsent("c1"))
	require.NoError(t, err)

	req := request("c1", "10")
	req.Counterparty = "  ＡＣＭＥ corp "
	req.Rail = "ACH"
	auth, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthorized, auth.Outcome)
	assert.Equal(t, "ach", auth.Rail)
	assert.NotEmpty(t, auth.UsageID)
}

func TestAuthorize_ConvertsCurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := baseConsent("c1")
	c.Limits.SingleTxnUSD = usd("105")
	_, err := s.Create(ctx, c)
	require.NoError(t, err)

	req := request("c1", "100")
	req.Currency = "EUR"
	_, err = s.Authorize(ctx, req)
	assert.Equal(t, ReasonSingleTxnLimit, DenialReason(err))

	req.Amount = usd("95")
	auth, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.True(t, auth.AmountUSD.Equal(usd("104.5")))
}

func TestAuthorize_ConcurrentDailyLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := baseConsent("c1")
	c.Limits.DailyUSD = usd("1000")
	_, err := s.Create(ctx, c)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		reasons []string
		start   = make(chan struct{})
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Authorize(ctx, request("c1", "600"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			reasons = append(reasons, DenialReason(err))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, []string{ReasonDailyLimit}, reasons)
}

func TestAuthorize_RequiresCosign(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := baseConsent("c1")
	c.Limits.SingleTxnUSD = usd("500")
	c.CosignRule.ThresholdUSD = usd("1000")
	_, err := s.Create(ctx, c)
	require.NoError(t, err)

	auth, err := s.Authorize(ctx, request("c1", "1500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresCosign, auth.Outcome)
	assert.Equal(t, "treasury", auth.ApproverGroup)
	assert.Empty(t, auth.UsageID, "usage is recorded only after approval")

	// Between the single limit and the threshold there is no escalation path.
	_, err = s.Authorize(ctx, request("c1", "700"))
	assert.Equal(t, ReasonSingleTxnLimit, DenialReason(err))

	committed, err := s.CommitCosigned(ctx, request("c1", "1500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthorized, committed.Outcome)
	assert.NotEmpty(t, committed.UsageID)

	// The committed 1500 counts against the daily limit.
	c2 := baseConsent("c2")
	c2.CosignRule.ThresholdUSD = usd("1000")
	c2.Limits.DailyUSD = usd("2000")
	_, err = s.Create(ctx, c2)
	require.NoError(t, err)
	_, err = s.CommitCosigned(ctx, request("c2", "1500"))
	require.NoError(t, err)
	_, err = s.Authorize(ctx, request("c2", "1500"))
	assert.Equal(t, ReasonDailyLimit, DenialReason(err))
}

func TestAuthorize_RevokedDeniesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, baseConsent("c1"))
	require.NoError(t, err)

	c, err := s.Revoke(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Revoked)
	_, err = s.Revoke(ctx, "c1")
	require.NoError(t, err)

	for _, amount := range []string{"0.01", "1", "500", "9999", "1000000"} {
		_, err := s.Authorize(ctx, request("c1", amount))
		require.ErrorIs(t, err, ErrDenied, amount)
		assert.Equal(t, ReasonRevoked, DenialReason(err))
	}
	_, err = s.CommitCosigned(ctx, request("c1", "1"))
	assert.Equal(t, ReasonRevoked, DenialReason(err))
}

func TestAuthorize_HourlyRateAndRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := baseConsent("c1")
	c.Limits.MaxTxnPerHour = 2
	_, err := s.Create(ctx, c)
	require.NoError(t, err)

	first, err := s.Authorize(ctx, request("c1", "10"))
	require.NoError(t, err)
	_, err = s.Authorize(ctx, request("c1", "10"))
	require.NoError(t, err)

	_, err = s.Authorize(ctx, request("c1", "10"))
	assert.Equal(t, ReasonHourlyRate, DenialReason(err))

	require.NoError(t, s.ReleaseUsage(ctx, "c1", first.UsageID))
	_, err = s.Authorize(ctx, request("c1", "10"))
	assert.NoError(t, err)

	later := request("c1", "10")
	later.At = t0.Add(time.Hour + time.Second)
	_, err = s.Authorize(ctx, later)
	assert.NoError(t, err)
}

func TestAuthorize_ZeroHourlyAllowsNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := baseConsent("c1")
	c.Limits.MaxTxnPerHour = 0
	_, err := s.Create(ctx, c)
	require.NoError(t, err)

	_, err = s.Authorize(ctx, request("c1", "1"))
	assert.Equal(t, ReasonHourlyRate, DenialReason(err))
}

func TestAuthorize_NonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, baseConsent("c1"))
	require.NoError(t, err)

	_, err = s.Authorize(ctx, request("c1", "0"))
	assert.Equal(t, errorir.CodeInvalidRequest, errorir.CodeOf(err))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"c2", "c1"} {
		_, err := s.Create(ctx, baseConsent(id))
		require.NoError(t, err)
	}
	other := baseConsent("c3")
	other.AgentID = "agent_b"
	_, err := s.Create(ctx, other)
	require.NoError(t, err)

	list, err := s.List(ctx, "agent_a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
