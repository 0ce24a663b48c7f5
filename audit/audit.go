// Package audit holds the verification entry points for third parties: an
// auditor with a receipt checks its inclusion against a published root, and
// an auditor with read access to the vote records replays a tally and
// compares it with the published counts. Neither operation requires any
// private key material.
package audit

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/choice-protocol/choice/ledger"
	"github.com/choice-protocol/choice/tally"
	"github.com/choice-protocol/choice/types"
)

// ErrTallyMismatch is returned when a replayed tally differs from the
// published counts.
var ErrTallyMismatch = errors.New("replayed tally does not match published counts")

// VerifyReceipt checks a vote receipt (an inclusion proof) against a
// published sealed root.
func VerifyReceipt(proof *types.MerkleProof, root []byte) bool {
	return ledger.VerifyInclusion(proof, root)
}

// VerifyRecord replays the tally for a sealed root and compares the full
// published record: raw counts, weighted counts and the result hash over
// the step checksums. Any divergence means the published record was not
// produced from the sealed leaf range.
func VerifyRecord(engine *tally.Engine, sealed *types.SealedRoot, claimed *types.TallyRecord) error {
	rec, err := engine.ComputeRaw(sealed)
	if err != nil {
		return fmt.Errorf("replay tally: %w", err)
	}
	if !bytes.Equal(rec.ResultHash, claimed.ResultHash) {
		return fmt.Errorf("%w: result hash %x vs %x", ErrTallyMismatch, rec.ResultHash, claimed.ResultHash)
	}
	for i := range rec.WeightedCounts {
		if i >= len(claimed.WeightedCounts) || rec.WeightedCounts[i] != claimed.WeightedCounts[i] {
			return fmt.Errorf("%w: weighted count mismatch at option %d", ErrTallyMismatch, i)
		}
	}
	return VerifyTally(engine, sealed, claimed.RawCounts)
}

// VerifyTally replays the raw tally for a sealed root and compares it with
// the claimed counts. Noised counts cannot be replayed and are not checked;
// the audit covers the exact counts the noise was added to.
func VerifyTally(engine *tally.Engine, sealed *types.SealedRoot, claimed []uint64) error {
	rec, err := engine.ComputeRaw(sealed)
	if err != nil {
		return fmt.Errorf("replay tally: %w", err)
	}
	if len(rec.RawCounts) != len(claimed) {
		return fmt.Errorf("%w: option count %d vs %d", ErrTallyMismatch, len(rec.RawCounts), len(claimed))
	}
	for i := range claimed {
		if rec.RawCounts[i] != claimed[i] {
			return fmt.Errorf("%w: option %d has %d votes, claimed %d",
				ErrTallyMismatch, i, rec.RawCounts[i], claimed[i])
		}
	}
	return nil
}
