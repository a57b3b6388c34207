package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kenhuangus/agent-payment-platform/pkg/canonicalize"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/ledger"
)

// SegmentFormat versions the archived document layout.
const SegmentFormat = "paycore.ledger.segment/v1"

// Source is the ledger read side the archiver needs.
type Source interface {
	VerifyChain(ctx context.Context, from, to uint64) (ledger.Verification, error)
	Range(ctx context.Context, from, to uint64) ([]contracts.LedgerEntry, error)
}

// Segment is one contiguous, verified run of ledger entries. PrevHash links
// it to the entry before From; HeadHash is the hash of the entry at To.
type Segment struct {
	Format   string                  `json:"format"`
	From     uint64                  `json:"from"`
	To       uint64                  `json:"to"`
	PrevHash string                  `json:"prev_hash"`
	HeadHash string                  `json:"head_hash"`
	Entries  []contracts.LedgerEntry `json:"entries"`
}

// Manifest describes a stored segment.
type Manifest struct {
	Digest   string `json:"digest"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Entries  int    `json:"entries"`
	HeadHash string `json:"head_hash"`
}

// Archiver writes verified segments to a Store.
type Archiver struct {
	source Source
	store  Store
	logger *slog.Logger
}

func NewArchiver(source Source, store Store) *Archiver {
	return &Archiver{
		source: source,
		store:  store,
		logger: slog.Default().With("component", "archive"),
	}
}

// WithLogger overrides the logger.
func (a *Archiver) WithLogger(logger *slog.Logger) *Archiver {
	a.logger = logger.With("component", "archive")
	return a
}

// ArchiveRange verifies [from, to] and stores it as canonical JSON. Bounds
// follow VerifyChain: 0 means the first entry or the head. A broken chain is
// never archived. Archiving the same range twice yields the same digest.
func (a *Archiver) ArchiveRange(ctx context.Context, from, to uint64) (Manifest, error) {
	v, err := a.source.VerifyChain(ctx, from, to)
	if err != nil {
		return Manifest{}, fmt.Errorf("verify range: %w", err)
	}
	if !v.OK {
		a.logger.ErrorContext(ctx, "refusing to archive broken chain",
			"from", v.From, "to", v.To, "broken_at", v.BrokenAt, "reason", v.Reason)
		return Manifest{}, errorir.Newf(errorir.CodeConflict, "chain_broken", "at sequence %d: %s", v.BrokenAt, v.Reason)
	}
	if v.Checked == 0 {
		return Manifest{}, errorir.Newf(errorir.CodeInvalidRequest, "empty_range", "no entries in [%d, %d]", v.From, v.To)
	}

	entries, err := a.source.Range(ctx, v.From, v.To)
	if err != nil {
		return Manifest{}, fmt.Errorf("read range: %w", err)
	}
	if len(entries) != v.Checked {
		return Manifest{}, errorir.Newf(errorir.CodeConflict, "range_changed", "verified %d entries, read %d", v.Checked, len(entries))
	}

	seg := Segment{
		Format:   SegmentFormat,
		From:     v.From,
		To:       v.To,
		PrevHash: entries[0].PrevHash,
		HeadHash: entries[len(entries)-1].Hash,
		Entries:  entries,
	}
	data, err := canonicalize.JCS(seg)
	if err != nil {
		return Manifest{}, err
	}
	digest, err := a.store.Put(ctx, data)
	if err != nil {
		return Manifest{}, fmt.Errorf("store segment: %w", err)
	}

	m := Manifest{Digest: digest, From: seg.From, To: seg.To, Entries: len(entries), HeadHash: seg.HeadHash}
	a.logger.InfoContext(ctx, "ledger segment archived",
		"digest", digest, "from", m.From, "to", m.To, "entries", m.Entries)
	return m, nil
}

// Load fetches a segment and checks it end to end: the blob matches its
// digest, every entry hash recomputes, and entries chain from PrevHash.
func (a *Archiver) Load(ctx context.Context, digest string) (Segment, error) {
	data, err := a.store.Get(ctx, digest)
	if err != nil {
		return Segment{}, err
	}
	if got := canonicalize.HashBytes(data); got != digest {
		return Segment{}, errorir.Newf(errorir.CodeEntryMismatch, "digest_mismatch", "stored blob hashes to %s", got)
	}
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return Segment{}, fmt.Errorf("decode segment %s: %w", digest, err)
	}
	if err := checkSegment(seg); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

func checkSegment(seg Segment) error {
	if seg.Format != SegmentFormat {
		return errorir.Newf(errorir.CodeEntryMismatch, "unknown_format", "format %q", seg.Format)
	}
	if uint64(len(seg.Entries)) != seg.To-seg.From+1 {
		return errorir.Newf(errorir.CodeEntryMismatch, "segment_truncated", "%d entries for [%d, %d]", len(seg.Entries), seg.From, seg.To)
	}
	prev := seg.PrevHash
	for i, e := range seg.Entries {
		if e.Sequence != seg.From+uint64(i) { //nolint:gosec // i is a slice index
			return errorir.Newf(errorir.CodeEntryMismatch, "sequence_gap", "expected %d, found %d", seg.From+uint64(i), e.Sequence) //nolint:gosec // i is a slice index
		}
		if e.PrevHash != prev {
			return errorir.Newf(errorir.CodeEntryMismatch, "chain_broken", "entry %d does not link to its predecessor", e.Sequence)
		}
		h, err := ledger.ComputeHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return errorir.Newf(errorir.CodeEntryMismatch, "hash_mismatch", "entry %d", e.Sequence)
		}
		prev = e.Hash
	}
	if prev != seg.HeadHash {
		return errorir.New(errorir.CodeEntryMismatch, "head_mismatch", "last entry hash differs from head_hash")
	}
	return nil
}
