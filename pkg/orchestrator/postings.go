package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

const compensateStep = "compensate"

func entryID(workflowID, step string) string {
	return workflowID + ":" + step
}

func holdAccount(workflowID string) string { return "hold:" + workflowID }

func availableAccount(owner string) string { return "party:" + owner + ":available" }

func clearingAccount(rail, cp string) string { return "clearing:" + rail + ":" + cp }

func feesAccount(rail string) string { return "fees:" + rail }

func counterpartyAccount(cp string) string { return "counterparty:" + cp }

// posting describes the ledger effect of one workflow. Amounts are in the
// request currency and rounded to its minor unit.
type posting struct {
	workflowID   string
	consentID    string
	owner        string
	rail         string
	counterparty string
	currency     string
	amount       finance.Money // A
	reserve      finance.Money // R, the fee ceiling held on top of A
	fee          finance.Money // F, the fee actually charged
	held         finance.Money // A + R
	charged      finance.Money // A + F
	remainder    finance.Money // R - F
}

func newPosting(wf Workflow, c contracts.Consent, fee decimal.Decimal) (posting, error) {
	ccy := wf.Request.Currency
	p := posting{
		workflowID:   wf.ID,
		consentID:    c.ID,
		owner:        c.OwnerPartyID,
		counterparty: consent.NormalizeCounterparty(wf.Request.Counterparty),
		currency:     ccy,
		amount:       finance.Money{Amount: wf.Request.Amount, Currency: ccy},
		reserve:      finance.Money{Currency: ccy},
		fee:          finance.Money{Amount: fee, Currency: ccy}.Round(),
	}
	if wf.Plan != nil {
		p.rail = wf.Plan.Rail
		p.reserve = finance.Money{Amount: wf.Plan.FeeReserve, Currency: ccy}.Round()
	}

	var err error
	if p.held, err = p.amount.Add(p.reserve); err != nil {
		return posting{}, err
	}
	if p.charged, err = p.amount.Add(p.fee); err != nil {
		return posting{}, err
	}
	if p.remainder, err = p.reserve.Sub(p.fee); err != nil {
		return posting{}, err
	}
	return p, nil
}

func (p posting) entry(step string, lines ...contracts.LedgerLine) contracts.LedgerEntry {
	return contracts.LedgerEntry{
		EntryID:  entryID(p.workflowID, step),
		TxnID:    p.workflowID,
		Currency: p.currency,
		Lines:    lines,
		Metadata: map[string]string{
			"workflow_id": p.workflowID,
			"consent_id":  p.consentID,
			"rail":        p.rail,
			"step":        step,
		},
	}
}

// forStep returns the entry committed when step succeeds and the amount the
// step moved. ok is false when the step has nothing to post.
func (p posting) forStep(step contracts.PlanStep) (e contracts.LedgerEntry, amount decimal.Decimal, ok bool) {
	a := p.amount.Amount
	s := string(step)
	switch step {
	case contracts.StepAuthorize:
		return p.entry(s,
			contracts.DebitLine("memo:authorized:"+p.consentID, a),
			contracts.CreditLine("memo:authorized:offset", a),
		), a, true

	case contracts.StepHold:
		held := p.held.Amount
		return p.entry(s,
			contracts.DebitLine(holdAccount(p.workflowID), held),
			contracts.CreditLine(availableAccount(p.owner), held),
		), held, true

	case contracts.StepSubmit:
		return p.entry(s,
			contracts.DebitLine("memo:submitted:"+p.rail, a),
			contracts.CreditLine("memo:submitted:offset", a),
		), a, true

	case contracts.StepSettle:
		lines := []contracts.LedgerLine{contracts.DebitLine(clearingAccount(p.rail, p.counterparty), a)}
		if p.fee.IsPositive() {
			lines = append(lines, contracts.DebitLine(feesAccount(p.rail), p.fee.Amount))
		}
		lines = append(lines, contracts.CreditLine(holdAccount(p.workflowID), p.charged.Amount))
		return p.entry(s, lines...), p.fee.Amount, true

	case contracts.StepReleaseHold:
		if !p.remainder.IsPositive() {
			return contracts.LedgerEntry{}, decimal.Zero, false
		}
		remainder := p.remainder.Amount
		return p.entry(s,
			contracts.DebitLine(availableAccount(p.owner), remainder),
			contracts.CreditLine(holdAccount(p.workflowID), remainder),
		), remainder, true

	case contracts.StepReconcile:
		return p.entry(s,
			contracts.DebitLine(counterpartyAccount(p.counterparty), a),
			contracts.CreditLine(clearingAccount(p.rail, p.counterparty), a),
		), a, true
	}
	return contracts.LedgerEntry{}, decimal.Zero, false
}

// compensation returns outstanding hold funds to the owner.
func (p posting) compensation(outstanding decimal.Decimal) contracts.LedgerEntry {
	return p.entry(compensateStep,
		contracts.DebitLine(availableAccount(p.owner), outstanding),
		contracts.CreditLine(holdAccount(p.workflowID), outstanding),
	)
}
