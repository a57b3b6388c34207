package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// AccountBalance totals one account in one currency.
type AccountBalance struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Debits   decimal.Decimal `json:"debits"`
	Credits  decimal.Decimal `json:"credits"`
	Net      decimal.Decimal `json:"net"` // debits - credits
}

// TrialBalance lists every account's totals and whether each currency nets
// to zero across the whole ledger.
type TrialBalance struct {
	Accounts []AccountBalance `json:"accounts"`
	Balanced map[string]bool  `json:"balanced"`
	Entries  int              `json:"entries"`
}

// TrialBalance folds every committed entry into per-account totals.
func (l *Ledger) TrialBalance(ctx context.Context) (TrialBalance, error) {
	headSeq, _, err := l.Head(ctx)
	if err != nil {
		return TrialBalance{}, err
	}

	type key struct{ account, currency string }
	totals := make(map[key]*AccountBalance)
	net := make(map[string]decimal.Decimal)
	tb := TrialBalance{Balanced: make(map[string]bool)}

	for start := uint64(1); start <= headSeq; start += verifyPageSize {
		page, err := l.store.Range(ctx, start, start+verifyPageSize-1)
		if err != nil {
			return TrialBalance{}, err
		}
		for _, e := range page {
			tb.Entries++
			for _, ln := range e.Lines {
				k := key{ln.Account, e.Currency}
				ab, ok := totals[k]
				if !ok {
					ab = &AccountBalance{Account: ln.Account, Currency: e.Currency}
					totals[k] = ab
				}
				if ln.Debit != nil {
					ab.Debits = ab.Debits.Add(*ln.Debit)
					net[e.Currency] = net[e.Currency].Add(*ln.Debit)
				}
				if ln.Credit != nil {
					ab.Credits = ab.Credits.Add(*ln.Credit)
					net[e.Currency] = net[e.Currency].Sub(*ln.Credit)
				}
			}
		}
	}

	for _, ab := range totals {
		ab.Net = ab.Debits.Sub(ab.Credits)
		tb.Accounts = append(tb.Accounts, *ab)
	}
	sort.Slice(tb.Accounts, func(i, j int) bool {
		if tb.Accounts[i].Currency != tb.Accounts[j].Currency {
			return tb.Accounts[i].Currency < tb.Accounts[j].Currency
		}
		return tb.Accounts[i].Account < tb.Accounts[j].Account
	})
	for cur, n := range net {
		tb.Balanced[cur] = n.IsZero()
	}
	return tb, nil
}

// AccountNet returns debits minus credits on account within one
// transaction's entries.
func (l *Ledger) AccountNet(ctx context.Context, txnID, account string) (decimal.Decimal, error) {
	entries, err := l.store.ListByTxn(ctx, txnID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		for _, ln := range e.Lines {
			if ln.Account != account {
				continue
			}
			if ln.Debit != nil {
				total = total.Add(*ln.Debit)
			}
			if ln.Credit != nil {
				total = total.Sub(*ln.Credit)
			}
		}
	}
	return total, nil
}
