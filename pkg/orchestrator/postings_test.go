package orchestrator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

func balanced(t *testing.T, e contracts.LedgerEntry) {
	t.Helper()
	sum := decimal.Zero
	for _, ln := range e.Lines {
		if ln.Debit != nil {
			sum = sum.Add(*ln.Debit)
		}
		if ln.Credit != nil {
			sum = sum.Sub(*ln.Credit)
		}
	}
	assert.True(t, sum.IsZero(), "%s nets to %s", e.EntryID, sum)
}

func testPosting(t *testing.T, fee string) posting {
	t.Helper()
	wf := Workflow{
		ID: "wf_1",
		Request: contracts.TransactionRequest{
			Amount: amt("100"), Currency: "USD", Counterparty: "Acme Corp",
		},
		Plan: &contracts.RoutePlan{Rail: "ach", FeeReserve: amt("10")},
	}
	p, err := newPosting(wf, contracts.Consent{ID: "c1", OwnerPartyID: "p1"}, amt(fee))
	require.NoError(t, err)
	return p
}

func TestPostingsBalanceAndDrainHold(t *testing.T) {
	p := testPosting(t, "0.60")
	hold := decimal.Zero
	for _, step := range contracts.PlanSteps() {
		e, _, ok := p.forStep(step)
		require.True(t, ok, step)
		balanced(t, e)
		assert.Equal(t, "wf_1:"+string(step), e.EntryID)
		for _, ln := range e.Lines {
			if ln.Account != holdAccount("wf_1") {
				continue
			}
			if ln.Debit != nil {
				hold = hold.Add(*ln.Debit)
			}
			if ln.Credit != nil {
				hold = hold.Sub(*ln.Credit)
			}
		}
	}
	assert.True(t, hold.IsZero(), hold.String())
}

func TestPostings_CounterpartyIsNormalized(t *testing.T) {
	e, _, ok := testPosting(t, "1").forStep(contracts.StepReconcile)
	require.True(t, ok)
	assert.Equal(t, counterpartyAccount("acme corp"), e.Lines[0].Account)
}

func TestPostings_FullReserveChargedSkipsRelease(t *testing.T) {
	p := testPosting(t, "10")
	_, _, ok := p.forStep(contracts.StepReleaseHold)
	assert.False(t, ok)

	settle, fee, ok := p.forStep(contracts.StepSettle)
	require.True(t, ok)
	assert.True(t, fee.Equal(amt("10")))
	balanced(t, settle)
}

func TestPostings_ZeroFeeOmitsFeeLine(t *testing.T) {
	settle, _, ok := testPosting(t, "0").forStep(contracts.StepSettle)
	require.True(t, ok)
	assert.Len(t, settle.Lines, 2)
}

func TestCompensation(t *testing.T) {
	e := testPosting(t, "0").compensation(amt("110"))
	balanced(t, e)
	assert.Equal(t, "wf_1:compensate", e.EntryID)
	assert.Equal(t, "compensate", e.Metadata["step"])
}

func TestPostings_FeeRoundedToCurrencyMinorUnit(t *testing.T) {
	wf := Workflow{
		ID: "wf_jpy",
		Request: contracts.TransactionRequest{
			Amount: amt("5000"), Currency: "JPY", Counterparty: "Acme Corp",
		},
		Plan: &contracts.RoutePlan{Rail: "wire", FeeReserve: amt("100")},
	}
	p, err := newPosting(wf, contracts.Consent{ID: "c1", OwnerPartyID: "p1"}, amt("36.4"))
	require.NoError(t, err)

	settle, fee, ok := p.forStep(contracts.StepSettle)
	require.True(t, ok)
	assert.True(t, fee.Equal(amt("36")), fee.String())
	balanced(t, settle)

	release, left, ok := p.forStep(contracts.StepReleaseHold)
	require.True(t, ok)
	assert.True(t, left.Equal(amt("64")), left.String())
	assert.Equal(t, "JPY", release.Currency)
}
