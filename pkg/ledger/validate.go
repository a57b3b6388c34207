package ledger

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

// normalize validates the envelope of e and returns a defensive copy with
// the currency in canonical form.
func normalize(e contracts.LedgerEntry) (contracts.LedgerEntry, error) {
	if strings.TrimSpace(e.EntryID) == "" {
		return e, errorir.New(errorir.CodeInvalidRequest, "missing_entry_id", "entry_id is required")
	}
	if strings.TrimSpace(e.TxnID) == "" {
		return e, errorir.New(errorir.CodeInvalidRequest, "missing_txn_id", "txn_id is required")
	}
	unit, err := finance.ParseCurrency(e.Currency)
	if err != nil {
		return e, errorir.Wrap(err, errorir.CodeInvalidRequest, "invalid_currency", "entries carry exactly one ISO 4217 currency")
	}
	out := cloneEntry(e)
	out.Currency = unit.String()
	return out, nil
}

// validateLines checks balance first, then each line's shape.
func validateLines(currency string, lines []contracts.LedgerLine) error {
	if len(lines) == 0 {
		return ErrInvalidLine.WithDetail("entry has no lines")
	}
	debits, credits := decimal.Zero, decimal.Zero
	for _, ln := range lines {
		if ln.Debit != nil {
			debits = debits.Add(*ln.Debit)
		}
		if ln.Credit != nil {
			credits = credits.Add(*ln.Credit)
		}
	}
	if !debits.Equal(credits) {
		return ErrUnbalanced.WithDetail("debits %s != credits %s", debits, credits)
	}

	scale := finance.Scale(currency)
	for i, ln := range lines {
		if strings.TrimSpace(ln.Account) == "" {
			return invalidLine("missing_account", "line %d has no account", i)
		}
		if (ln.Debit == nil) == (ln.Credit == nil) {
			return invalidLine("debit_xor_credit", "line %d must set exactly one of debit or credit", i)
		}
		v := ln.Debit
		if v == nil {
			v = ln.Credit
		}
		if !v.IsPositive() {
			return invalidLine("non_positive_amount", "line %d amount %s is not positive", i, v)
		}
		if !v.Equal(v.Round(scale)) {
			return invalidLine("precision_exceeds_currency", "line %d amount %s exceeds %s precision", i, v, currency)
		}
	}
	return nil
}

func invalidLine(reason, format string, args ...any) error {
	return errorir.Newf(errorir.CodeInvalidLine, reason, format, args...)
}

// sameContent compares everything a caller controls. Timestamp is excluded
// so a crash-retried step with a fresh clock still replays.
func sameContent(a, b contracts.LedgerEntry) bool {
	if a.TxnID != b.TxnID || a.Currency != b.Currency || len(a.Lines) != len(b.Lines) {
		return false
	}
	for i := range a.Lines {
		if !sameLine(a.Lines[i], b.Lines[i]) {
			return false
		}
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if bv, ok := b.Metadata[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sameLine(a, b contracts.LedgerLine) bool {
	return a.Account == b.Account && sameAmount(a.Debit, b.Debit) && sameAmount(a.Credit, b.Credit)
}

func sameAmount(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneEntry(e contracts.LedgerEntry) contracts.LedgerEntry {
	out := e
	out.Lines = make([]contracts.LedgerLine, len(e.Lines))
	for i, ln := range e.Lines {
		cp := contracts.LedgerLine{Account: ln.Account}
		if ln.Debit != nil {
			v := *ln.Debit
			cp.Debit = &v
		}
		if ln.Credit != nil {
			v := *ln.Credit
			cp.Credit = &v
		}
		out.Lines[i] = cp
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
