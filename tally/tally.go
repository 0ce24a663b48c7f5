// Package tally computes poll results over sealed ledger snapshots. Raw
// tallies are a deterministic function of the sealed root: anyone replaying
// the commitment records for leaves [0, leafCount) obtains the same counts.
// Noised releases add Laplace noise calibrated to the release epsilon and
// draw down a persistent per-poll privacy budget, so repeated queries
// cannot average the noise away.
package tally

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/types"
)

var (
	// Prefixes for the keys in the database.
	pollPrefix   = []byte("po/")
	votePrefix   = []byte("vc/")
	budgetPrefix = []byte("pb/")
	tallyPrefix  = []byte("tr/")
)

var (
	// ErrNotFound is returned when the requested poll or record is unknown.
	ErrNotFound = errors.New("tally record not found")
	// ErrBudgetExhausted is returned when a noised release would exceed the
	// poll's privacy budget.
	ErrBudgetExhausted = errors.New("privacy budget exhausted")
	// ErrChoiceOutOfRange is returned when a recorded choice does not fit
	// the poll's option space.
	ErrChoiceOutOfRange = errors.New("choice outside poll option range")
)

// Engine stores poll definitions and vote records and produces tallies.
type Engine struct {
	db db.Database
	// lock serializes budget draw-downs.
	lock sync.Mutex
}

// New creates a tally engine over the given database.
func New(database db.Database) *Engine {
	return &Engine{db: database}
}

// Close closes the underlying database.
func (e *Engine) Close() {
	e.db.Close()
}

func encodeArtifact(a any) ([]byte, error) {
	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

func decodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}

// SetPoll registers or updates a poll definition.
func (e *Engine) SetPoll(p *types.Poll) error {
	if p == nil {
		return fmt.Errorf("nil poll")
	}
	if p.Options <= 0 {
		return fmt.Errorf("poll %q has no options", p.ID)
	}
	val, err := encodeArtifact(p)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(e.db.WriteTx(), pollPrefix)
	if err := wTx.Set([]byte(p.ID), val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// Poll retrieves a poll definition, or ErrNotFound.
func (e *Engine) Poll(pollID string) (*types.Poll, error) {
	rTx := prefixeddb.NewPrefixedReader(e.db, pollPrefix)
	data, err := rTx.Get([]byte(pollID))
	if err != nil {
		return nil, ErrNotFound
	}
	p := &types.Poll{}
	if err := decodeArtifact(data, p); err != nil {
		return nil, fmt.Errorf("decode poll: %w", err)
	}
	return p, nil
}

// ListPolls returns all registered polls.
func (e *Engine) ListPolls() ([]*types.Poll, error) {
	rTx := prefixeddb.NewPrefixedReader(e.db, pollPrefix)
	var polls []*types.Poll
	if err := rTx.Iterate(nil, func(_, v []byte) bool {
		p := &types.Poll{}
		if err := decodeArtifact(v, p); err != nil {
			return true
		}
		polls = append(polls, p)
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate polls: %w", err)
	}
	return polls, nil
}

func voteKey(pollID string, leafIndex uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(pollID), '/'), leafIndex)
}

// Record stores the vote commitment for a ledger leaf. The record carries
// only the pseudonym and the choice; it is keyed by leaf index so the raw
// tally can replay the exact leaf range of a sealed root.
func (e *Engine) Record(v *types.VoteCommitment) error {
	if v == nil {
		return fmt.Errorf("nil vote commitment")
	}
	p, err := e.Poll(v.PollID)
	if err != nil {
		return err
	}
	if v.Choice < 0 || v.Choice >= p.Options {
		return ErrChoiceOutOfRange
	}
	val, err := encodeArtifact(v)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(e.db.WriteTx(), votePrefix)
	if err := wTx.Set(voteKey(v.PollID, v.LeafIndex), val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// Vote retrieves the commitment record for a ledger leaf, or ErrNotFound.
func (e *Engine) Vote(pollID string, leafIndex uint64) (*types.VoteCommitment, error) {
	rTx := prefixeddb.NewPrefixedReader(e.db, votePrefix)
	data, err := rTx.Get(voteKey(pollID, leafIndex))
	if err != nil {
		return nil, ErrNotFound
	}
	v := &types.VoteCommitment{}
	if err := decodeArtifact(data, v); err != nil {
		return nil, fmt.Errorf("decode vote commitment: %w", err)
	}
	return v, nil
}

// stepChecksum hashes the deterministic encoding of a stage output. The
// checksums carry no timestamps, so replays produce identical values.
func stepChecksum(v any) (types.HexBytes, error) {
	data, err := encodeArtifact(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// ComputeRaw replays the vote records covered by a sealed root and returns
// the exact per-option counts, both unweighted and weighted by credential
// tier. Running it twice over the same root yields identical counts, step
// checksums and result hash.
func (e *Engine) ComputeRaw(sealed *types.SealedRoot) (*types.TallyRecord, error) {
	p, err := e.Poll(sealed.PollID)
	if err != nil {
		return nil, err
	}
	rec := &types.TallyRecord{
		PollID:     sealed.PollID,
		Root:       sealed.Root,
		ComputedAt: time.Now(),
	}
	addStep := func(name string, output any) error {
		sum, err := stepChecksum(output)
		if err != nil {
			return err
		}
		rec.Steps = append(rec.Steps, types.TallyStep{Name: name, Checksum: sum})
		return nil
	}

	input := struct {
		PollID    string         `cbor:"0,keyasint"`
		Root      types.HexBytes `cbor:"1,keyasint"`
		LeafCount uint64         `cbor:"2,keyasint"`
	}{sealed.PollID, sealed.Root, sealed.LeafCount}
	if rec.InputChecksum, err = stepChecksum(input); err != nil {
		return nil, err
	}
	if err := addStep("replay_commitments", input); err != nil {
		return nil, err
	}

	counts := make([]uint64, p.Options)
	weighted := make([]float64, p.Options)
	for i := uint64(0); i < sealed.LeafCount; i++ {
		v, err := e.Vote(sealed.PollID, i)
		if err != nil {
			return nil, fmt.Errorf("missing vote record for leaf %d: %w", i, err)
		}
		if v.Choice < 0 || v.Choice >= p.Options {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrChoiceOutOfRange)
		}
		counts[v.Choice]++
		weighted[v.Choice] += v.Tier.Weight()
	}
	rec.RawCounts = counts
	rec.WeightedCounts = weighted
	if err := addStep("count_votes", counts); err != nil {
		return nil, err
	}
	if err := addStep("apply_weights", weighted); err != nil {
		return nil, err
	}

	result := struct {
		Input    types.HexBytes `cbor:"0,keyasint"`
		Raw      []uint64       `cbor:"1,keyasint"`
		Weighted []float64      `cbor:"2,keyasint"`
	}{rec.InputChecksum, counts, weighted}
	if rec.ResultHash, err = stepChecksum(result); err != nil {
		return nil, err
	}
	if err := addStep("generate_result", result); err != nil {
		return nil, err
	}

	if err := e.storeTally(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// EpsilonSpent returns the cumulative privacy budget consumed for a poll.
func (e *Engine) EpsilonSpent(pollID string) (float64, error) {
	rTx := prefixeddb.NewPrefixedReader(e.db, budgetPrefix)
	data, err := rTx.Get([]byte(pollID))
	if err != nil {
		return 0, nil
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

// ReleaseNoised adds Laplace noise with scale 1/epsilon to each raw count
// (counting-query sensitivity is 1) and draws epsilon from the poll's
// budget. Negative noised counts are clipped to zero. The release fails
// with ErrBudgetExhausted before any noise is drawn if the remaining budget
// does not cover epsilon.
func (e *Engine) ReleaseNoised(rec *types.TallyRecord, epsilon float64, rng *rand.Rand) error {
	if epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive")
	}
	p, err := e.Poll(rec.PollID)
	if err != nil {
		return err
	}
	e.lock.Lock()
	defer e.lock.Unlock()

	spent, err := e.EpsilonSpent(rec.PollID)
	if err != nil {
		return err
	}
	if spent+epsilon > p.PrivacyBudget {
		return fmt.Errorf("%w: spent %.3f of %.3f, requested %.3f",
			ErrBudgetExhausted, spent, p.PrivacyBudget, epsilon)
	}

	scale := 1.0 / epsilon
	noised := make([]float64, len(rec.RawCounts))
	for i, raw := range rec.RawCounts {
		n := float64(raw) + Laplace(scale, rng)
		if n < 0 {
			log.Debugw("clipping negative noised count",
				"poll", rec.PollID, "option", i, "value", n)
			n = 0
		}
		noised[i] = n
	}

	budget := binary.BigEndian.AppendUint64(nil, math.Float64bits(spent+epsilon))
	wTx := prefixeddb.NewPrefixedWriteTx(e.db.WriteTx(), budgetPrefix)
	if err := wTx.Set([]byte(rec.PollID), budget); err != nil {
		wTx.Discard()
		return err
	}
	if err := wTx.Commit(); err != nil {
		return err
	}

	rec.NoisedCounts = noised
	rec.EpsilonSpent = spent + epsilon
	return e.storeTally(rec)
}

func tallyKey(pollID string, root []byte) []byte {
	return append(append([]byte(pollID), '/'), root...)
}

func (e *Engine) storeTally(rec *types.TallyRecord) error {
	val, err := encodeArtifact(rec)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(e.db.WriteTx(), tallyPrefix)
	if err := wTx.Set(tallyKey(rec.PollID, rec.Root), val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// Tally retrieves a stored tally record by poll and root, or ErrNotFound.
func (e *Engine) Tally(pollID string, root []byte) (*types.TallyRecord, error) {
	rTx := prefixeddb.NewPrefixedReader(e.db, tallyPrefix)
	data, err := rTx.Get(tallyKey(pollID, root))
	if err != nil {
		return nil, ErrNotFound
	}
	rec := &types.TallyRecord{}
	if err := decodeArtifact(data, rec); err != nil {
		return nil, fmt.Errorf("decode tally record: %w", err)
	}
	return rec, nil
}
