package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
	"github.com/kenhuangus/agent-payment-platform/pkg/ledger"
)

const auditPageSize = 500

// Books is the read side of the ledger an audit folds in.
type Books interface {
	Head(ctx context.Context) (uint64, string, error)
	Range(ctx context.Context, from, to uint64) ([]contracts.LedgerEntry, error)
	TrialBalance(ctx context.Context) (ledger.TrialBalance, error)
	VerifyChain(ctx context.Context, from, to uint64) (ledger.Verification, error)
}

// AuditReport is a compliance snapshot for one period. Workflows counts the
// workflows this process holds; Postings is read from the ledger and covers
// every process that wrote to it. TrialBalance and Chain always span the
// whole ledger.
type AuditReport struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	From         time.Time           `json:"from,omitzero"`
	To           time.Time           `json:"to,omitzero"`
	Workflows    WorkflowSummary     `json:"workflows"`
	Postings     PostingSummary      `json:"postings"`
	TrialBalance ledger.TrialBalance `json:"trial_balance"`
	Chain        ledger.Verification `json:"chain"`
	Issues       []string            `json:"issues"`
	OK           bool                `json:"ok"`
}

// WorkflowSummary groups workflows created in the period.
type WorkflowSummary struct {
	Total            int                        `json:"total"`
	ByStatus         map[Status]int             `json:"by_status"`
	Failures         map[errorir.Code]int       `json:"failures"`
	AwaitingApproval int                        `json:"awaiting_approval"`
	Completed        map[string]decimal.Decimal `json:"completed"` // volume per currency
}

// PostingSummary groups ledger entries committed in the period.
type PostingSummary struct {
	Entries      int                        `json:"entries"`
	Transactions int                        `json:"transactions"`
	ByStep       map[string]int             `json:"by_step"`
	Reconciled   map[string]decimal.Decimal `json:"reconciled"` // volume per currency
	Compensated  int                        `json:"compensated"`
}

// Audit builds the report for [from, to). A zero bound is open.
func (o *Orchestrator) Audit(ctx context.Context, books Books, from, to time.Time) (AuditReport, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return AuditReport{}, errorir.Newf(errorir.CodeInvalidRequest, "invalid_range", "from %s is not before to %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	in := func(t time.Time) bool {
		return (from.IsZero() || !t.Before(from)) && (to.IsZero() || t.Before(to))
	}

	rep := AuditReport{GeneratedAt: o.clock().UTC(), From: from, To: to, Issues: []string{}}

	wfs, err := summarizeWorkflows(o.List(ctx), in)
	if err != nil {
		return AuditReport{}, err
	}
	rep.Workflows = wfs

	if rep.Postings, err = summarizePostings(ctx, books, in); err != nil {
		return AuditReport{}, err
	}
	if rep.TrialBalance, err = books.TrialBalance(ctx); err != nil {
		return AuditReport{}, err
	}
	if rep.Chain, err = books.VerifyChain(ctx, 0, 0); err != nil {
		return AuditReport{}, err
	}

	if !rep.Chain.OK {
		rep.Issues = append(rep.Issues, fmt.Sprintf("ledger chain broken at sequence %d: %s", rep.Chain.BrokenAt, rep.Chain.Reason))
	}
	for _, ccy := range slices.Sorted(maps.Keys(rep.TrialBalance.Balanced)) {
		if !rep.TrialBalance.Balanced[ccy] {
			rep.Issues = append(rep.Issues, fmt.Sprintf("%s postings do not net to zero", ccy))
		}
	}
	rep.OK = len(rep.Issues) == 0

	o.logger.InfoContext(ctx, "audit report built",
		"workflows", rep.Workflows.Total, "entries", rep.Postings.Entries, "issues", len(rep.Issues))
	return rep, nil
}

func summarizeWorkflows(list []Workflow, in func(time.Time) bool) (WorkflowSummary, error) {
	s := WorkflowSummary{
		ByStatus:  make(map[Status]int),
		Failures:  make(map[errorir.Code]int),
		Completed: make(map[string]decimal.Decimal),
	}
	volume := make(map[string]finance.Money)
	for _, wf := range list {
		if !in(wf.CreatedAt) {
			continue
		}
		s.Total++
		s.ByStatus[wf.Status]++
		if wf.Suspended() {
			s.AwaitingApproval++
		}
		switch st := wf.State.(type) {
		case Failed:
			s.Failures[st.Code]++
		case Completed:
			ccy := wf.Request.Currency
			m := finance.Money{Amount: wf.Request.Amount, Currency: ccy}
			if prev, ok := volume[ccy]; ok {
				var err error
				if m, err = prev.Add(m); err != nil {
					return WorkflowSummary{}, err
				}
			}
			volume[ccy] = m
		}
	}
	for ccy, m := range volume {
		s.Completed[ccy] = m.Round().Amount
	}
	return s, nil
}

func summarizePostings(ctx context.Context, books Books, in func(time.Time) bool) (PostingSummary, error) {
	s := PostingSummary{
		ByStep:     make(map[string]int),
		Reconciled: make(map[string]decimal.Decimal),
	}
	head, _, err := books.Head(ctx)
	if err != nil {
		return PostingSummary{}, err
	}
	txns := make(map[string]struct{})
	for start := uint64(1); start <= head; start += auditPageSize {
		page, err := books.Range(ctx, start, start+auditPageSize-1)
		if err != nil {
			return PostingSummary{}, err
		}
		for _, e := range page {
			if !in(e.Timestamp) {
				continue
			}
			s.Entries++
			txns[e.TxnID] = struct{}{}
			step := e.Metadata["step"]
			s.ByStep[step]++
			switch step {
			case compensateStep:
				s.Compensated++
			case string(contracts.StepReconcile):
				s.Reconciled[e.Currency] = s.Reconciled[e.Currency].Add(debits(e))
			}
		}
	}
	s.Transactions = len(txns)
	return s, nil
}

func debits(e contracts.LedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, ln := range e.Lines {
		if ln.Debit != nil {
			sum = sum.Add(*ln.Debit)
		}
	}
	return sum
}
