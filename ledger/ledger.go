// Package ledger is the append-only vote commitment log. Commitments are
// stored as an ordered arena of leaves per poll ('l/' prefix, big-endian
// index suffix) so the Merkle tree can be rebuilt deterministically at any
// time. Sealing freezes the current leaf count, rehashes the arena level by
// level and publishes the root; inclusion proofs are always generated and
// verified against a sealed root, never against the moving head.
//
// The tree is a binary SHA-256 tree. An unpaired node at the end of a level
// is promoted to the next level unchanged; proofs mark those levels with a
// nil sibling.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/choice-protocol/choice/types"
)

var (
	// Prefixes for the keys in the database.
	leafPrefix   = []byte("l/")
	countPrefix  = []byte("n/")
	sealedPrefix = []byte("r/")
	latestPrefix = []byte("ls/")
)

const pollKeySize = 12

var (
	// ErrNotFound is returned when the requested leaf or root is unknown.
	ErrNotFound = errors.New("ledger record not found")
	// ErrNoLeaves is returned when sealing a poll with an empty ledger.
	ErrNoLeaves = errors.New("no commitments to seal")
	// ErrIndexOutOfRange is returned when a proof is requested for a leaf
	// outside the sealed range.
	ErrIndexOutOfRange = errors.New("leaf index outside sealed range")
)

// Ledger is the per-poll commitment log.
type Ledger struct {
	db db.Database
	// lock serializes appends so leaf indices are assigned densely.
	lock sync.Mutex
}

// New creates a new Ledger over the given database.
func New(database db.Database) *Ledger {
	return &Ledger{db: database}
}

// Close closes the underlying database.
func (l *Ledger) Close() {
	l.db.Close()
}

// pollKey shortens the poll ID into a fixed-size key prefix.
func pollKey(pollID string) []byte {
	h := sha256.Sum256([]byte(pollID))
	return h[:pollKeySize]
}

func leafKey(pollID string, index uint64) []byte {
	k := pollKey(pollID)
	return binary.BigEndian.AppendUint64(k, index)
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Append stores a commitment and returns its leaf index. The index is
// assigned under the ledger lock, so concurrent appends never collide.
func (l *Ledger) Append(pollID string, commitment []byte) (uint64, error) {
	if len(commitment) == 0 {
		return 0, fmt.Errorf("empty commitment")
	}
	l.lock.Lock()
	defer l.lock.Unlock()

	count, err := l.leafCount(pollID)
	if err != nil {
		return 0, err
	}
	wTx := l.db.WriteTx()
	leafTx := prefixeddb.NewPrefixedWriteTx(wTx, leafPrefix)
	if err := leafTx.Set(leafKey(pollID, count), commitment); err != nil {
		wTx.Discard()
		return 0, err
	}
	countTx := prefixeddb.NewPrefixedWriteTx(wTx, countPrefix)
	if err := countTx.Set([]byte(pollID), binary.BigEndian.AppendUint64(nil, count+1)); err != nil {
		wTx.Discard()
		return 0, err
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// LeafCount returns the number of commitments appended for a poll.
func (l *Ledger) LeafCount(pollID string) (uint64, error) {
	return l.leafCount(pollID)
}

func (l *Ledger) leafCount(pollID string) (uint64, error) {
	rTx := prefixeddb.NewPrefixedReader(l.db, countPrefix)
	data, err := rTx.Get([]byte(pollID))
	if err != nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}

// Leaf returns the commitment stored at the given index.
func (l *Ledger) Leaf(pollID string, index uint64) ([]byte, error) {
	rTx := prefixeddb.NewPrefixedReader(l.db, leafPrefix)
	data, err := rTx.Get(leafKey(pollID, index))
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// leaves loads the arena slice [0, n) for a poll.
func (l *Ledger) leaves(pollID string, n uint64) ([][]byte, error) {
	arena := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		leaf, err := l.Leaf(pollID, i)
		if err != nil {
			return nil, fmt.Errorf("missing leaf %d: %w", i, err)
		}
		arena = append(arena, leaf)
	}
	return arena, nil
}

// buildLevels rehashes the arena bottom-up and returns every level, leaves
// first, root last.
func buildLevels(arena [][]byte) [][][]byte {
	levels := [][][]byte{arena}
	for len(levels[len(levels)-1]) > 1 {
		cur := levels[len(levels)-1]
		next := make([][]byte, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, hashPair(cur[i], cur[i+1]))
			} else {
				next = append(next, cur[i])
			}
		}
		levels = append(levels, next)
	}
	return levels
}

// SealRoot freezes the current leaf count, computes the Merkle root over
// leaves [0, count) and persists it as a sealed snapshot. Appends that land
// after the count is read belong to the next seal.
func (l *Ledger) SealRoot(pollID string) (*types.SealedRoot, error) {
	l.lock.Lock()
	count, err := l.leafCount(pollID)
	l.lock.Unlock()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoLeaves
	}
	arena, err := l.leaves(pollID, count)
	if err != nil {
		return nil, err
	}
	levels := buildLevels(arena)
	root := levels[len(levels)-1][0]

	sealed := &types.SealedRoot{
		PollID:    pollID,
		Root:      root,
		LeafCount: count,
		SealedAt:  time.Now(),
	}
	val, err := encodeArtifact(sealed)
	if err != nil {
		return nil, err
	}
	wTx := l.db.WriteTx()
	sealedTx := prefixeddb.NewPrefixedWriteTx(wTx, sealedPrefix)
	if err := sealedTx.Set(sealedKey(pollID, root), val); err != nil {
		wTx.Discard()
		return nil, err
	}
	latestTx := prefixeddb.NewPrefixedWriteTx(wTx, latestPrefix)
	if err := latestTx.Set([]byte(pollID), root); err != nil {
		wTx.Discard()
		return nil, err
	}
	if err := wTx.Commit(); err != nil {
		return nil, err
	}
	return sealed, nil
}

func sealedKey(pollID string, root []byte) []byte {
	return append(pollKey(pollID), root...)
}

// SealedRoot retrieves a sealed snapshot by poll and root, or ErrNotFound.
func (l *Ledger) SealedRoot(pollID string, root []byte) (*types.SealedRoot, error) {
	rTx := prefixeddb.NewPrefixedReader(l.db, sealedPrefix)
	data, err := rTx.Get(sealedKey(pollID, root))
	if err != nil {
		return nil, ErrNotFound
	}
	sealed := &types.SealedRoot{}
	if err := decodeArtifact(data, sealed); err != nil {
		return nil, fmt.Errorf("decode sealed root: %w", err)
	}
	return sealed, nil
}

// LatestRoot returns the most recent sealed snapshot for a poll.
func (l *Ledger) LatestRoot(pollID string) (*types.SealedRoot, error) {
	rTx := prefixeddb.NewPrefixedReader(l.db, latestPrefix)
	root, err := rTx.Get([]byte(pollID))
	if err != nil {
		return nil, ErrNotFound
	}
	return l.SealedRoot(pollID, root)
}

// ProveInclusion builds an inclusion proof for the leaf at index against a
// sealed root. The proof is generated from the persisted arena, restricted
// to the leaf count frozen at seal time, so appends after the seal cannot
// invalidate it.
func (l *Ledger) ProveInclusion(pollID string, index uint64, root []byte) (*types.MerkleProof, error) {
	sealed, err := l.SealedRoot(pollID, root)
	if err != nil {
		return nil, err
	}
	if index >= sealed.LeafCount {
		return nil, ErrIndexOutOfRange
	}
	arena, err := l.leaves(pollID, sealed.LeafCount)
	if err != nil {
		return nil, err
	}
	levels := buildLevels(arena)

	proof := &types.MerkleProof{
		Leaf:      arena[index],
		Index:     index,
		LeafCount: sealed.LeafCount,
	}
	idx := index
	for _, level := range levels[:len(levels)-1] {
		sib := idx ^ 1
		if sib < uint64(len(level)) {
			proof.Siblings = append(proof.Siblings, level[sib])
		} else {
			// Unpaired node, promoted unchanged.
			proof.Siblings = append(proof.Siblings, nil)
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusion checks an inclusion proof against a sealed root. It is a
// pure function of its inputs, so auditors can run it without any access to
// the ledger database.
func VerifyInclusion(proof *types.MerkleProof, root []byte) bool {
	if proof == nil || len(proof.Leaf) == 0 || len(root) == 0 {
		return false
	}
	node := []byte(proof.Leaf)
	idx := proof.Index
	for _, sib := range proof.Siblings {
		if len(sib) == 0 {
			// Promoted level, the node carries up unchanged.
			idx /= 2
			continue
		}
		if idx%2 == 1 {
			node = hashPair(sib, node)
		} else {
			node = hashPair(node, sib)
		}
		idx /= 2
	}
	return bytes.Equal(node, root)
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
