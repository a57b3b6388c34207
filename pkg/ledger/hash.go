package ledger

import (
	"fmt"
	"time"

	"github.com/kenhuangus/agent-payment-platform/pkg/canonicalize"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "genesis"

type hashLine struct {
	Account string `json:"account"`
	Debit   string `json:"debit,omitempty"`
	Credit  string `json:"credit,omitempty"`
}

type hashInput struct {
	EntryID   string            `json:"entry_id"`
	TxnID     string            `json:"txn_id"`
	Sequence  uint64            `json:"sequence"`
	Timestamp string            `json:"timestamp"`
	Currency  string            `json:"currency"`
	Lines     []hashLine        `json:"lines"`
	Metadata  map[string]string `json:"metadata"`
	PrevHash  string            `json:"prev_hash"`
}

// ComputeHash returns the content hash of e over its canonical JSON form.
// Amounts are rendered without trailing zeros so "10.50" and "10.5" hash alike.
func ComputeHash(e contracts.LedgerEntry) (string, error) {
	in := hashInput{
		EntryID:   e.EntryID,
		TxnID:     e.TxnID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Currency:  e.Currency,
		Lines:     make([]hashLine, len(e.Lines)),
		Metadata:  e.Metadata,
		PrevHash:  e.PrevHash,
	}
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	for i, ln := range e.Lines {
		hl := hashLine{Account: ln.Account}
		if ln.Debit != nil {
			hl.Debit = ln.Debit.String()
		}
		if ln.Credit != nil {
			hl.Credit = ln.Credit.String()
		}
		in.Lines[i] = hl
	}
	h, err := canonicalize.CanonicalHash(in)
	if err != nil {
		return "", fmt.Errorf("failed to hash entry %s: %w", e.EntryID, err)
	}
	return h, nil
}
