package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerLine carries exactly one of Debit or Credit, strictly positive.
type LedgerLine struct {
	Account string           `json:"account"`
	Debit   *decimal.Decimal `json:"debit,omitempty"`
	Credit  *decimal.Decimal `json:"credit,omitempty"`
}

// DebitLine builds a debit line.
func DebitLine(account string, amount decimal.Decimal) LedgerLine {
	return LedgerLine{Account: account, Debit: &amount}
}

// CreditLine builds a credit line.
func CreditLine(account string, amount decimal.Decimal) LedgerLine {
	return LedgerLine{Account: account, Credit: &amount}
}

// LedgerEntry is one balanced, single-currency posting. Hash and PrevHash
// link it into the ledger's chain; Sequence is its position in that chain.
type LedgerEntry struct {
	EntryID   string            `json:"entry_id"`
	TxnID     string            `json:"txn_id"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Currency  string            `json:"currency"`
	Lines     []LedgerLine      `json:"lines"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Hash      string            `json:"hash"`
	PrevHash  string            `json:"prev_hash"`
}
