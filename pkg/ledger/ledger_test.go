package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func holdEntry(id string, amount string) contracts.LedgerEntry {
	return contracts.LedgerEntry{
		EntryID:  id,
		TxnID:    "wf_1",
		Currency: "USD",
		Lines: []contracts.LedgerLine{
			contracts.DebitLine("hold:wf_1", amt(amount)),
			contracts.CreditLine("party:p1:available", amt(amount)),
		},
		Metadata: map[string]string{"step": "hold"},
	}
}

func newTestLedger() (*Ledger, *MemoryStorage) {
	store := NewMemoryStorage()
	return New(store).WithClock(fixedClock()), store
}

func TestPost_ChainsEntries(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	first, err := l.Post(ctx, holdEntry("e1", "100"))
	require.NoError(t, err)
	second, err := l.Post(ctx, holdEntry("e2", "50.25"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.Hash, second.Hash)

	seq, hash, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, second.Hash, hash)
}

func TestPost_IdempotentReplay(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	first, err := l.Post(ctx, holdEntry("e1", "100"))
	require.NoError(t, err)

	again, err := l.Post(ctx, holdEntry("e1", "100.00"))
	require.Error(t, err)
	assert.True(t, IsReplay(err))
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	assert.Equal(t, first, again)

	seq, hash, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "chain unchanged")
	assert.Equal(t, first.Hash, hash)
}

func TestPost_EntryMismatch(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Post(ctx, holdEntry("e1", "100"))
	require.NoError(t, err)

	_, err = l.Post(ctx, holdEntry("e1", "101"))
	assert.ErrorIs(t, err, ErrEntryMismatch)
	assert.False(t, IsReplay(err))
}

func TestPost_ValidationOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		lines  []contracts.LedgerLine
		code   errorir.Code
		reason string
	}{
		{
			name: "unbalanced",
			lines: []contracts.LedgerLine{
				contracts.DebitLine("a", amt("10")),
				contracts.CreditLine("b", amt("9")),
			},
			code: errorir.CodeUnbalanced,
		},
		{
			name: "negative amounts that still balance",
			lines: []contracts.LedgerLine{
				contracts.DebitLine("a", amt("-10")),
				contracts.CreditLine("b", amt("-10")),
			},
			code:   errorir.CodeInvalidLine,
			reason: "non_positive_amount",
		},
		{
			name: "both sides on one line",
			lines: []contracts.LedgerLine{
				{Account: "a", Debit: ptr(amt("5")), Credit: ptr(amt("5"))},
			},
			code:   errorir.CodeInvalidLine,
			reason: "debit_xor_credit",
		},
		{
			name: "neither side",
			lines: []contracts.LedgerLine{
				{Account: "a"},
			},
			code:   errorir.CodeInvalidLine,
			reason: "debit_xor_credit",
		},
		{
			name: "sub-cent precision",
			lines: []contracts.LedgerLine{
				contracts.DebitLine("a", amt("1.001")),
				contracts.CreditLine("b", amt("1.001")),
			},
			code:   errorir.CodeInvalidLine,
			reason: "precision_exceeds_currency",
		},
		{
			name:   "no lines",
			lines:  nil,
			code:   errorir.CodeInvalidLine,
			reason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger()
			_, err := l.Post(ctx, contracts.LedgerEntry{EntryID: "e", TxnID: "t", Currency: "USD", Lines: tt.lines})
			require.Error(t, err)
			e, ok := errorir.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, e.Reason)
			}
			seq, _, _ := l.Head(ctx)
			assert.Zero(t, seq, "rejected entries never reach the chain")
		})
	}
}

func TestPost_RejectsBadEnvelope(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	e := holdEntry("e1", "10")
	e.Currency = "US Dollars"
	_, err := l.Post(ctx, e)
	assert.True(t, errorir.HasCode(err, errorir.CodeInvalidRequest))

	e = holdEntry("", "10")
	_, err = l.Post(ctx, e)
	assert.True(t, errorir.HasCode(err, errorir.CodeInvalidRequest))
}

func TestPost_ConcurrentWritersKeepChainLinear(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Post(ctx, holdEntry(fmt.Sprintf("e%d", i), "1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	v, err := l.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, v.OK, v.Reason)
	assert.Equal(t, writers, v.Checked)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := l.Post(ctx, holdEntry(fmt.Sprintf("e%d", i), "10"))
		require.NoError(t, err)
	}

	v, err := l.VerifyChain(ctx, 2, 4)
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, 3, v.Checked)

	// Mutate a stored amount behind the ledger's back.
	store.mu.Lock()
	forged := amt("1000")
	store.entries[2].Lines[0].Debit = &forged
	store.entries[2].Lines[1].Credit = &forged
	store.mu.Unlock()

	v, err = l.VerifyChain(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, uint64(3), v.BrokenAt)
	assert.Equal(t, "hash mismatch", v.Reason)
}

func TestVerifyChain_DetectsRelinking(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := l.Post(ctx, holdEntry(fmt.Sprintf("e%d", i), "10"))
		require.NoError(t, err)
	}

	// Recompute entry 2's own hash so only the linkage is wrong.
	store.mu.Lock()
	store.entries[1].PrevHash = "sha256:forged"
	store.entries[1].Hash, _ = ComputeHash(store.entries[1])
	store.mu.Unlock()

	v, err := l.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, uint64(2), v.BrokenAt)
}

func TestVerifyChain_EmptyLedger(t *testing.T) {
	l, _ := newTestLedger()
	v, err := l.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, v.OK)
}

func TestTrialBalance(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Post(ctx, holdEntry("e1", "100"))
	require.NoError(t, err)
	_, err = l.Post(ctx, contracts.LedgerEntry{
		EntryID: "e2", TxnID: "wf_1", Currency: "USD",
		Lines: []contracts.LedgerLine{
			contracts.DebitLine("clearing:ach:acme", amt("97.5")),
			contracts.DebitLine("fees:ach", amt("2.5")),
			contracts.CreditLine("hold:wf_1", amt("100")),
		},
	})
	require.NoError(t, err)

	tb, err := l.TrialBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tb.Entries)
	assert.True(t, tb.Balanced["USD"])

	byAccount := map[string]AccountBalance{}
	for _, ab := range tb.Accounts {
		byAccount[ab.Account] = ab
	}
	assert.True(t, byAccount["hold:wf_1"].Net.IsZero())
	assert.True(t, byAccount["party:p1:available"].Net.Equal(amt("-100")))
	assert.True(t, byAccount["fees:ach"].Net.Equal(amt("2.5")))

	net, err := l.AccountNet(ctx, "wf_1", "hold:wf_1")
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

type failingStorage struct{ *MemoryStorage }

func (failingStorage) Get(context.Context, string) (contracts.LedgerEntry, error) {
	return contracts.LedgerEntry{}, errors.New("disk on fire")
}

func TestPost_StorageErrorsSurface(t *testing.T) {
	l := New(failingStorage{NewMemoryStorage()})
	_, err := l.Post(context.Background(), holdEntry("e1", "1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
