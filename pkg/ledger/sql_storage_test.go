package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/database"
)

func newSQLiteLedger(t *testing.T) (*Ledger, *sql.DB) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStorage(db)
	require.NoError(t, store.Init(context.Background()))
	return New(store).WithClock(fixedClock()), db
}

func TestSQLStorage_AppendUsesInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStorage(db)
	e := holdEntry("e1", "10")
	e.Sequence = 1
	e.Timestamp = fixedClock()()
	e.Hash = "sha256:h"
	e.PrevHash = GenesisHash

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(int64(1), "e1", "wf_1", e.Timestamp.UnixMicro(), "USD",
			sqlmock.AnyArg(), `{"step":"hold"}`, "sha256:h", GenesisHash).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(selectColumns + ` WHERE entry_id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = NewSQLStorage(db).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_HeadEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY seq DESC LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "entry_id", "txn_id", "ts_micros", "currency", "lines", "metadata", "hash", "prev_hash"}))

	_, ok, err := NewSQLStorage(db).Head(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLLedger_RoundTripAndReplay(t *testing.T) {
	l, _ := newSQLiteLedger(t)
	ctx := context.Background()

	first, err := l.Post(ctx, holdEntry("e1", "100.50"))
	require.NoError(t, err)

	got, err := l.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, got.Hash)
	assert.True(t, got.Timestamp.Equal(first.Timestamp))
	assert.True(t, got.Lines[0].Debit.Equal(amt("100.50")))

	_, err = l.Post(ctx, holdEntry("e1", "100.5"))
	assert.True(t, IsReplay(err))

	// A fresh ledger over the same database picks up the head.
	l2 := New(l.store).WithClock(fixedClock())
	second, err := l2.Post(ctx, holdEntry("e2", "1"))
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, uint64(2), second.Sequence)

	byTxn, err := l2.EntriesForTxn(ctx, "wf_1")
	require.NoError(t, err)
	assert.Len(t, byTxn, 2)
}

func TestSQLLedger_TamperedRowIsDetected(t *testing.T) {
	l, db := newSQLiteLedger(t)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := l.Post(ctx, holdEntry(fmt.Sprintf("e%d", i), "25"))
		require.NoError(t, err)
	}

	v, err := l.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, v.OK, v.Reason)

	_, err = db.Exec(`UPDATE ledger_entries SET metadata = $1 WHERE seq = $2`, `{"step":"forged"}`, 2)
	require.NoError(t, err)

	v, err = l.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, uint64(2), v.BrokenAt)
}

func TestSQLLedger_DeletedRowIsDetected(t *testing.T) {
	l, db := newSQLiteLedger(t)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := l.Post(ctx, holdEntry(fmt.Sprintf("e%d", i), "25"))
		require.NoError(t, err)
	}

	_, err := db.Exec(`DELETE FROM ledger_entries WHERE seq = $1`, 2)
	require.NoError(t, err)

	v, err := l.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, uint64(2), v.BrokenAt)
}
