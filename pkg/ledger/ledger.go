// Package ledger is the payment core's system of record: an append-only,
// hash-chained sequence of balanced single-currency postings.
//
// Every accepted entry carries a monotonic sequence number, the hash of its
// predecessor and the hash of its own canonical content. Validation runs
// outside the chain lock; only the read of the chain head, the hash
// computation and the append are serialized.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

const maxHeadRetries = 3

type head struct {
	seq  uint64
	hash string
}

// Ledger validates and chains entries on top of a Storage.
type Ledger struct {
	store  Storage
	clock  func() time.Time
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex // guards head; the only global lock on the write path
	head   head
	loaded bool
}

// New creates a ledger over store.
func New(store Storage) *Ledger {
	return &Ledger{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "ledger"),
		tracer: otel.Tracer("paycore/ledger"),
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger overrides the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "ledger")
	return l
}

// Post validates e and appends it to the chain, returning the committed
// entry. Re-posting an entry id with identical content returns the prior
// entry together with an error matching ErrDuplicateEntry (see IsReplay);
// with different content it fails with ErrEntryMismatch.
func (l *Ledger) Post(ctx context.Context, e contracts.LedgerEntry) (contracts.LedgerEntry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.post", trace.WithAttributes(
		attribute.String("ledger.entry_id", e.EntryID),
		attribute.String("ledger.txn_id", e.TxnID),
	))
	defer span.End()

	committed, err := l.post(ctx, e)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int64("ledger.sequence", int64(committed.Sequence))) //nolint:gosec // sequences fit
	case IsReplay(err):
		span.SetAttributes(attribute.Bool("ledger.replay", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.WarnContext(ctx, "posting rejected",
			"entry_id", e.EntryID, "txn_id", e.TxnID,
			"code", errorir.CodeOf(err), "error", err)
	}
	return committed, err
}

func (l *Ledger) post(ctx context.Context, e contracts.LedgerEntry) (contracts.LedgerEntry, error) {
	entry, err := normalize(e)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}

	if prior, err := l.store.Get(ctx, entry.EntryID); err == nil {
		return replay(prior, entry)
	} else if !errors.Is(err, ErrNotFound) {
		return contracts.LedgerEntry{}, fmt.Errorf("failed to check entry %s: %w", entry.EntryID, err)
	}

	if err := validateLines(entry.Currency, entry.Lines); err != nil {
		return contracts.LedgerEntry{}, err
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = l.clock()
	}
	// Storage keeps microseconds; hash what storage can reproduce.
	entry.Timestamp = ts.UTC().Truncate(time.Microsecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < maxHeadRetries; attempt++ {
		if err := l.loadHead(ctx, attempt > 0); err != nil {
			return contracts.LedgerEntry{}, err
		}

		entry.Sequence = l.head.seq + 1
		entry.PrevHash = l.head.hash
		entry.Hash, err = ComputeHash(entry)
		if err != nil {
			return contracts.LedgerEntry{}, err
		}

		err = l.store.Append(ctx, entry)
		if err == nil {
			l.head = head{seq: entry.Sequence, hash: entry.Hash}
			return cloneEntry(entry), nil
		}
		if !errors.Is(err, ErrConflict) {
			return contracts.LedgerEntry{}, fmt.Errorf("failed to append entry %s: %w", entry.EntryID, err)
		}
		// Another writer took the id or the sequence.
		if prior, gerr := l.store.Get(ctx, entry.EntryID); gerr == nil {
			return replay(prior, entry)
		}
		l.logger.DebugContext(ctx, "chain head moved, retrying", "entry_id", entry.EntryID, "attempt", attempt)
	}
	return contracts.LedgerEntry{}, errorir.Newf(errorir.CodeConflict, "chain_head_contention",
		"could not append %s after %d attempts", entry.EntryID, maxHeadRetries)
}

func replay(prior, incoming contracts.LedgerEntry) (contracts.LedgerEntry, error) {
	if !sameContent(prior, incoming) {
		return contracts.LedgerEntry{}, ErrEntryMismatch.WithDetail(
			"entry %s was committed with different content", incoming.EntryID)
	}
	return prior, ErrDuplicateEntry.WithDetail("entry %s already committed at sequence %d", prior.EntryID, prior.Sequence)
}

// loadHead reads the chain head from storage on first use or when forced.
// Callers hold l.mu.
func (l *Ledger) loadHead(ctx context.Context, force bool) error {
	if l.loaded && !force {
		return nil
	}
	h, ok, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chain head: %w", err)
	}
	if ok {
		l.head = head{seq: h.Sequence, hash: h.Hash}
	} else {
		l.head = head{seq: 0, hash: GenesisHash}
	}
	l.loaded = true
	return nil
}

// Get returns a committed entry.
func (l *Ledger) Get(ctx context.Context, entryID string) (contracts.LedgerEntry, error) {
	return l.store.Get(ctx, entryID)
}

// EntriesForTxn returns a transaction's entries in chain order.
func (l *Ledger) EntriesForTxn(ctx context.Context, txnID string) ([]contracts.LedgerEntry, error) {
	return l.store.ListByTxn(ctx, txnID)
}

// Range returns committed entries with from <= sequence <= to.
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]contracts.LedgerEntry, error) {
	return l.store.Range(ctx, from, to)
}

// Head returns the current sequence and hash. An empty ledger reports
// (0, GenesisHash).
func (l *Ledger) Head(ctx context.Context) (uint64, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadHead(ctx, true); err != nil {
		return 0, "", err
	}
	return l.head.seq, l.head.hash, nil
}
