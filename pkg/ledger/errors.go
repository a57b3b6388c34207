package ledger

import "github.com/kenhuangus/agent-payment-platform/pkg/errorir"

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errorir.New(errorir.CodeNotFound, "entry_not_found", "")
	// ErrConflict is returned by storage when an entry id or sequence is taken.
	ErrConflict = errorir.New(errorir.CodeConflict, "chain_conflict", "")
	// ErrDuplicateEntry accompanies the prior entry on an idempotent replay.
	ErrDuplicateEntry = errorir.New(errorir.CodeDuplicateEntry, "", "")
	// ErrEntryMismatch is returned when an entry id is reused with different content.
	ErrEntryMismatch = errorir.New(errorir.CodeEntryMismatch, "", "")
	// ErrUnbalanced is returned when debits and credits differ.
	ErrUnbalanced = errorir.New(errorir.CodeUnbalanced, "", "")
	// ErrInvalidLine is returned for malformed lines.
	ErrInvalidLine = errorir.New(errorir.CodeInvalidLine, "", "")
)

// IsReplay reports whether err signals an idempotent replay of an entry that
// was already committed with identical content.
func IsReplay(err error) bool {
	return errorir.HasCode(err, errorir.CodeDuplicateEntry)
}
