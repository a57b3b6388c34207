package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/database"
)

// SQLStorage implements Storage using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	txn_id TEXT NOT NULL,
	ts_micros BIGINT NOT NULL,
	currency TEXT NOT NULL,
	lines TEXT NOT NULL,
	metadata TEXT NOT NULL,
	hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_txn ON ledger_entries (txn_id);
`

const selectColumns = `SELECT seq, entry_id, txn_id, ts_micros, currency, lines, metadata, hash, prev_hash FROM ledger_entries`

func (s *SQLStorage) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to init ledger schema: %w", err)
	}
	return nil
}

func (s *SQLStorage) Append(ctx context.Context, e contracts.LedgerEntry) error {
	lines, err := json.Marshal(e.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode lines: %w", err)
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (seq, entry_id, txn_id, ts_micros, currency, lines, metadata, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.EntryID, e.TxnID, e.Timestamp.UnixMicro(), e.Currency, //nolint:gosec // sequences fit in int64
		string(lines), string(metadata), e.Hash, e.PrevHash,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrConflict.WithDetail("entry %s or sequence %d exists", e.EntryID, e.Sequence)
		}
		return fmt.Errorf("failed to insert entry %s: %w", e.EntryID, err)
	}
	return nil
}

func (s *SQLStorage) Get(ctx context.Context, entryID string) (contracts.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE entry_id = $1`, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.LedgerEntry{}, ErrNotFound.WithDetail("entry %s", entryID)
	}
	return e, err
}

func (s *SQLStorage) Head(ctx context.Context) (contracts.LedgerEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.LedgerEntry{}, false, nil
	}
	if err != nil {
		return contracts.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *SQLStorage) Range(ctx context.Context, from, to uint64) ([]contracts.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`,
		int64(from), int64(to)) //nolint:gosec // sequences fit in int64
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return collect(rows)
}

func (s *SQLStorage) ListByTxn(ctx context.Context, txnID string) ([]contracts.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE txn_id = $1 ORDER BY seq ASC`, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query txn %s: %w", txnID, err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (contracts.LedgerEntry, error) {
	var (
		e        contracts.LedgerEntry
		seq, ts  int64
		lines    string
		metadata string
	)
	if err := row.Scan(&seq, &e.EntryID, &e.TxnID, &ts, &e.Currency, &lines, &metadata, &e.Hash, &e.PrevHash); err != nil {
		return contracts.LedgerEntry{}, err
	}
	e.Sequence = uint64(seq) //nolint:gosec // stored from uint64
	e.Timestamp = time.UnixMicro(ts).UTC()
	if err := json.Unmarshal([]byte(lines), &e.Lines); err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("corrupt lines for %s: %w", e.EntryID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("corrupt metadata for %s: %w", e.EntryID, err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return e, nil
}

func collect(rows *sql.Rows) ([]contracts.LedgerEntry, error) {
	defer func() { _ = rows.Close() }()

	result := make([]contracts.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
