package ledger

import (
	"context"
	"sync"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

// Storage persists committed entries. Implementations must reject an Append
// whose entry id or sequence already exists with ErrConflict.
type Storage interface {
	Append(ctx context.Context, e contracts.LedgerEntry) error
	Get(ctx context.Context, entryID string) (contracts.LedgerEntry, error)
	// Head returns the entry with the highest sequence; ok is false when empty.
	Head(ctx context.Context) (e contracts.LedgerEntry, ok bool, err error)
	// Range returns entries with from <= sequence <= to in sequence order.
	Range(ctx context.Context, from, to uint64) ([]contracts.LedgerEntry, error)
	ListByTxn(ctx context.Context, txnID string) ([]contracts.LedgerEntry, error)
}

// MemoryStorage is an in-memory Storage for tests and demos.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []contracts.LedgerEntry // index = sequence - 1
	byID    map[string]int
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{byID: make(map[string]int)}
}

func (s *MemoryStorage) Append(_ context.Context, e contracts.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[e.EntryID]; dup {
		return ErrConflict.WithDetail("entry %s exists", e.EntryID)
	}
	if e.Sequence != uint64(len(s.entries))+1 {
		return ErrConflict.WithDetail("sequence %d is not next (%d)", e.Sequence, len(s.entries)+1)
	}
	s.byID[e.EntryID] = len(s.entries)
	s.entries = append(s.entries, cloneEntry(e))
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, entryID string) (contracts.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[entryID]
	if !ok {
		return contracts.LedgerEntry{}, ErrNotFound.WithDetail("entry %s", entryID)
	}
	return cloneEntry(s.entries[idx]), nil
}

func (s *MemoryStorage) Head(_ context.Context) (contracts.LedgerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return contracts.LedgerEntry{}, false, nil
	}
	return cloneEntry(s.entries[len(s.entries)-1]), true, nil
}

func (s *MemoryStorage) Range(_ context.Context, from, to uint64) ([]contracts.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if to > uint64(len(s.entries)) {
		to = uint64(len(s.entries))
	}
	out := make([]contracts.LedgerEntry, 0)
	for seq := from; seq <= to; seq++ {
		out = append(out, cloneEntry(s.entries[seq-1]))
	}
	return out, nil
}

func (s *MemoryStorage) ListByTxn(_ context.Context, txnID string) ([]contracts.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.TxnID == txnID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}
