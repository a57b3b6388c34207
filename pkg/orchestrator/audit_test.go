package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/ledger"
	"github.com/kenhuangus/agent-payment-platform/pkg/rails"
)

func TestAudit_SummarizesWorkflowsAndLedger(t *testing.T) {
	f := newFixture(t)
	f.grant(t, nil)
	f.sim.FailNext("ach", contracts.StepSubmit, rails.Permanent("account_closed", "beneficiary account closed"))

	failed := f.run(t, txn("2000"))
	require.Equal(t, StatusFailed, failed.Status)
	done := f.run(t, txn("1500"))
	require.Equal(t, StatusCompleted, done.Status)
	denied := txn("200")
	denied.Counterparty = "Globex"
	require.Equal(t, StatusConsentDenied, f.run(t, denied).Status)

	rep, err := f.orch.Audit(context.Background(), f.ledger, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.True(t, rep.OK, "issues: %v", rep.Issues)
	assert.Empty(t, rep.Issues)

	assert.Equal(t, 3, rep.Workflows.Total)
	assert.Equal(t, map[Status]int{StatusFailed: 1, StatusCompleted: 1, StatusConsentDenied: 1}, rep.Workflows.ByStatus)
	assert.Equal(t, map[errorir.Code]int{errorir.CodeRailPermanent: 1}, rep.Workflows.Failures)
	assert.Zero(t, rep.Workflows.AwaitingApproval)
	require.Contains(t, rep.Workflows.Completed, "USD")
	assert.True(t, rep.Workflows.Completed["USD"].Equal(amt("1500")))

	assert.Equal(t, 2, rep.Postings.Transactions)
	assert.Equal(t, rep.TrialBalance.Entries, rep.Postings.Entries)
	assert.Equal(t, 1, rep.Postings.Compensated)
	assert.Equal(t, 1, rep.Postings.ByStep[string(contracts.StepReconcile)])
	assert.True(t, rep.Postings.Reconciled["USD"].Equal(amt("1500")))

	assert.True(t, rep.Chain.OK)
	assert.Equal(t, rep.TrialBalance.Entries, rep.Chain.Checked)
	assert.True(t, rep.TrialBalance.Balanced["USD"])
}

func TestAudit_PeriodFiltersWorkflowsAndPostings(t *testing.T) {
	f := newFixture(t)
	f.grant(t, func(c *contracts.Consent) {
		c.CosignRule = contracts.CosignRule{ThresholdUSD: amt("1000"), ApproverGroup: "treasury"}
	})
	require.Equal(t, StatusCompleted, f.run(t, txn("500")).Status)
	require.Equal(t, StatusConsentRequiresCosign, f.run(t, txn("2000")).Status)
	ctx := context.Background()

	rep, err := f.orch.Audit(ctx, f.ledger, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Workflows.Total)
	assert.Equal(t, 1, rep.Workflows.AwaitingApproval)

	later := time.Now().Add(time.Hour)
	rep, err = f.orch.Audit(ctx, f.ledger, later, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, rep.Workflows.Total)
	assert.Zero(t, rep.Postings.Entries)
	assert.Positive(t, rep.TrialBalance.Entries, "trial balance spans the whole ledger")
	assert.Equal(t, later, rep.From)
}

func TestAudit_RejectsInvertedPeriod(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	_, err := f.orch.Audit(context.Background(), f.ledger, now, now.Add(-time.Minute))
	e, ok := errorir.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errorir.CodeInvalidRequest, e.Code)
}

type tamperedBooks struct {
	*ledger.Ledger
}

func (tamperedBooks) VerifyChain(context.Context, uint64, uint64) (ledger.Verification, error) {
	return ledger.Verification{From: 1, To: 6, Checked: 2, BrokenAt: 3, Reason: "hash mismatch"}, nil
}

func (b tamperedBooks) TrialBalance(ctx context.Context) (ledger.TrialBalance, error) {
	tb, err := b.Ledger.TrialBalance(ctx)
	if err != nil {
		return tb, err
	}
	tb.Balanced["EUR"] = false
	return tb, nil
}

func TestAudit_ReportsIntegrityIssues(t *testing.T) {
	f := newFixture(t)
	f.grant(t, nil)
	require.Equal(t, StatusCompleted, f.run(t, txn("100")).Status)

	rep, err := f.orch.Audit(context.Background(), tamperedBooks{f.ledger}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.False(t, rep.OK)
	assert.Equal(t, []string{
		"ledger chain broken at sequence 3: hash mismatch",
		"EUR postings do not net to zero",
	}, rep.Issues)
}
