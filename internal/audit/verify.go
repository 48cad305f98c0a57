package audit

import (
	"context"
	"fmt"
	"log/slog"
)

// VerifyResult holds the outcome of a hash chain verification.
//
// On success Count is the number of entries verified. On failure
// BrokenAtID is the earliest entry whose recomputed hash does not match
// and Count is the number of intact entries before it.
type VerifyResult struct {
	OK           bool   `json:"ok"`
	Count        int    `json:"count"`
	BrokenAtID   int64  `json:"brokenAtId,omitempty"`
	ExpectedHash string `json:"expectedHash,omitempty"`
	ActualHash   string `json:"actualHash,omitempty"`
}

// Verify replays the whole ledger in id order and recomputes every hash,
// linking each entry to the hash it expects rather than the one stored in
// the row. Any edited, inserted or removed row breaks the chain at that row.
//
// A broken chain is a result, not an error; the error return is only for
// storage failures.
func (r *Reader) Verify(ctx context.Context) (VerifyResult, error) {
	var (
		res          VerifyResult
		expectedPrev string
	)

	err := r.store.Scan(ctx, 0, func(e Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := computeHash(&e, expectedPrev)
		if want != e.Hash {
			res.BrokenAtID = e.ID
			res.ExpectedHash = want
			res.ActualHash = e.Hash
			return ErrStopScan
		}

		// The stored link must agree too; a hash that only matches
		// because the row's prev_hash was ignored is still a broken link.
		if e.PrevHash != expectedPrev {
			res.BrokenAtID = e.ID
			res.ExpectedHash = expectedPrev
			res.ActualHash = e.PrevHash
			return ErrStopScan
		}
		expectedPrev = e.Hash
		res.Count++
		return nil
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verifying ledger: %w", err)
	}

	if res.BrokenAtID != 0 {
		slog.Error("audit chain broken", "broken_at_id", res.BrokenAtID, "intact", res.Count)
		return res, nil
	}
	res.OK = true
	return res, nil
}
