// Package census maintains the eligibility rosters of the Identity
// Authority. Each roster is a Merkle tree of verified participants; the
// tree root can be published so third parties can audit who was eligible
// for a poll without learning the member list. Participant keys are hashes
// of the stable user ID, values encode the verification tier.
package census

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/arbo"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/choice-protocol/choice/types"
)

const (
	rosterTreePrefix = "cs_"
	rosterRefPrefix  = "cr_"
)

var (
	// ErrRosterNotFound is returned when the roster is not in the database.
	ErrRosterNotFound = fmt.Errorf("roster not found in the local database")
	// ErrRosterAlreadyExists is returned by New() if the roster exists.
	ErrRosterAlreadyExists = fmt.Errorf("roster already exists in the local database")
	// ErrNotMember is returned when a participant is not in the roster.
	ErrNotMember = fmt.Errorf("participant not found in the roster")

	defaultHashFunction = arbo.HashFunctionMiMC_BLS12_377
)

// rootKey converts a root to its canonical hexadecimal string.
func rootKey(root []byte) string {
	return hex.EncodeToString(root)
}

// DB is a persistent database of eligibility rosters. It keeps an
// in-memory index mapping tree roots to roster IDs so membership proofs
// can be served by root alone.
type DB struct {
	mu            sync.RWMutex
	db            db.Database
	loadedRosters map[uuid.UUID]*Roster
	rootIndex     map[string]uuid.UUID
}

// NewDB creates a roster database over the given key-value store.
func NewDB(database db.Database) *DB {
	return &DB{
		db:            database,
		loadedRosters: make(map[uuid.UUID]*Roster),
		rootIndex:     make(map[string]uuid.UUID),
	}
}

// Roster is one eligibility tree plus its persisted metadata.
type Roster struct {
	ID        uuid.UUID
	MaxLevels int
	HashType  string
	LastUsed  time.Time

	parent      *DB         `gob:"-"`
	tree        *arbo.Tree  `gob:"-"`
	treeMu      sync.Mutex  `gob:"-"`
	currentRoot []byte      `gob:"-"`
}

// ParticipantKey derives the roster leaf key for a stable user ID,
// truncated to the tree's hash length.
func ParticipantKey(userID string) []byte {
	h := sha256.Sum256([]byte(userID))
	return h[:defaultHashFunction.Len()/8]
}

// tierValue encodes the verification tier as the leaf value.
func tierValue(tier types.Tier) []byte {
	return []byte{byte(tier.Level())}
}

func rosterPrefix(id uuid.UUID) []byte {
	return append([]byte(rosterTreePrefix), id[:]...)
}

// New creates a roster and adds it to the database. It returns
// ErrRosterAlreadyExists if a roster with the given ID is already present.
func (c *DB) New(id uuid.UUID) (*Roster, error) {
	refKey := append([]byte(rosterRefPrefix), id[:]...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.loadedRosters[id]; exists {
		return nil, ErrRosterAlreadyExists
	}
	if _, err := c.db.Get(refKey); err == nil {
		return nil, ErrRosterAlreadyExists
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return nil, err
	}

	roster := &Roster{
		ID:        id,
		MaxLevels: types.CensusTreeMaxLevels,
		HashType:  string(defaultHashFunction.Type()),
		LastUsed:  time.Now(),
		parent:    c,
	}
	tree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(c.db, rosterPrefix(id)),
		MaxLevels:    types.CensusTreeMaxLevels,
		HashFunction: defaultHashFunction,
	})
	if err != nil {
		return nil, err
	}
	roster.tree = tree
	root, err := tree.Root()
	if err != nil {
		return nil, err
	}
	roster.currentRoot = root

	if err := c.writeReference(roster); err != nil {
		return nil, err
	}
	c.loadedRosters[id] = roster
	c.rootIndex[rootKey(root)] = id
	return roster, nil
}

// Load returns a roster from memory or from the persistent database.
func (c *DB) Load(id uuid.UUID) (*Roster, error) {
	c.mu.RLock()
	if roster, exists := c.loadedRosters[id]; exists {
		c.mu.RUnlock()
		return roster, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	refKey := append([]byte(rosterRefPrefix), id[:]...)
	b, err := c.db.Get(refKey)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %x", ErrRosterNotFound, id)
		}
		return nil, err
	}
	var roster Roster
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&roster); err != nil {
		return nil, err
	}
	tree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(c.db, rosterPrefix(id)),
		MaxLevels:    roster.MaxLevels,
		HashFunction: defaultHashFunction,
	})
	if err != nil {
		return nil, err
	}
	roster.parent = c
	roster.tree = tree
	root, err := tree.Root()
	if err != nil {
		return nil, err
	}
	roster.currentRoot = root
	roster.LastUsed = time.Now()
	if err := c.writeReference(&roster); err != nil {
		return nil, err
	}
	c.loadedRosters[id] = &roster
	c.rootIndex[rootKey(root)] = id
	return &roster, nil
}

// Exists reports whether the roster ID exists in the local database.
func (c *DB) Exists(id uuid.UUID) bool {
	c.mu.RLock()
	_, exists := c.loadedRosters[id]
	c.mu.RUnlock()
	if exists {
		return true
	}
	_, err := c.db.Get(append([]byte(rosterRefPrefix), id[:]...))
	return err == nil
}

// writeReference persists a roster's metadata.
func (c *DB) writeReference(roster *Roster) error {
	key := append([]byte(rosterRefPrefix), roster.ID[:]...)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(roster); err != nil {
		return err
	}
	wtx := c.db.WriteTx()
	defer wtx.Discard()
	if err := wtx.Set(key, buf.Bytes()); err != nil {
		return err
	}
	return wtx.Commit()
}

// reindexRoot swaps the root index entry after a tree mutation.
func (c *DB) reindexRoot(id uuid.UUID, oldRoot, newRoot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rootIndex, rootKey(oldRoot))
	c.rootIndex[rootKey(newRoot)] = id
}

// ProofByRoot finds a roster by its tree root and generates a membership
// proof for the given user.
func (c *DB) ProofByRoot(root []byte, userID string) (*MembershipProof, error) {
	c.mu.RLock()
	id, exists := c.rootIndex[rootKey(root)]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no roster found with the provided root")
	}
	roster, err := c.Load(id)
	if err != nil {
		return nil, err
	}
	return roster.GenProof(userID)
}

// MembershipProof is an eligibility proof against a published roster root.
type MembershipProof struct {
	Root     types.HexBytes `json:"root"`
	Key      types.HexBytes `json:"key"`
	Value    types.HexBytes `json:"value"`
	Siblings types.HexBytes `json:"siblings"`
}

// Add inserts a participant at the given verification tier. The root index
// is updated after the insert so proofs by the new root resolve.
func (r *Roster) Add(userID string, tier types.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	r.treeMu.Lock()
	err := r.tree.Add(ParticipantKey(userID), tierValue(tier))
	if err != nil {
		r.treeMu.Unlock()
		return err
	}
	newRoot, err := r.tree.Root()
	oldRoot := r.currentRoot
	r.currentRoot = newRoot
	r.treeMu.Unlock()
	if err != nil {
		return err
	}
	r.parent.reindexRoot(r.ID, oldRoot, newRoot)
	return nil
}

// AddBatch inserts many participants at the same tier.
func (r *Roster) AddBatch(userIDs []string, tier types.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	keys := make([][]byte, len(userIDs))
	values := make([][]byte, len(userIDs))
	for i, u := range userIDs {
		keys[i] = ParticipantKey(u)
		values[i] = tierValue(tier)
	}
	r.treeMu.Lock()
	invalid, err := r.tree.AddBatch(keys, values)
	if err == nil && len(invalid) > 0 {
		err = fmt.Errorf("%d participants could not be added", len(invalid))
	}
	if err != nil {
		r.treeMu.Unlock()
		return err
	}
	newRoot, err := r.tree.Root()
	oldRoot := r.currentRoot
	r.currentRoot = newRoot
	r.treeMu.Unlock()
	if err != nil {
		return err
	}
	r.parent.reindexRoot(r.ID, oldRoot, newRoot)
	return nil
}

// Tier returns the verification tier of a participant, or ErrNotMember.
func (r *Roster) Tier(userID string) (types.Tier, error) {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	_, value, err := r.tree.Get(ParticipantKey(userID))
	if err != nil {
		return "", ErrNotMember
	}
	if len(value) != 1 {
		return "", fmt.Errorf("malformed roster value")
	}
	for _, tier := range []types.Tier{types.TierHuman, types.TierPasskey, types.TierPersonhood, types.TierResidency} {
		if byte(tier.Level()) == value[0] {
			return tier, nil
		}
	}
	return "", fmt.Errorf("unknown tier value %d", value[0])
}

// Has reports whether the participant is in the roster.
func (r *Roster) Has(userID string) bool {
	_, err := r.Tier(userID)
	return err == nil
}

// Root returns the current tree root.
func (r *Roster) Root() []byte {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	root, err := r.tree.Root()
	if err != nil {
		return nil
	}
	return root
}

// Size returns the number of participants.
func (r *Roster) Size() int {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	size, err := r.tree.GetNLeafs()
	if err != nil {
		return 0
	}
	return size
}

// GenProof generates a membership proof for the given user.
func (r *Roster) GenProof(userID string) (*MembershipProof, error) {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	key, value, siblings, inclusion, err := r.tree.GenProof(ParticipantKey(userID))
	if err != nil {
		return nil, err
	}
	if !inclusion {
		return nil, ErrNotMember
	}
	root, err := r.tree.Root()
	if err != nil {
		return nil, err
	}
	return &MembershipProof{
		Root:     root,
		Key:      key,
		Value:    value,
		Siblings: siblings,
	}, nil
}

// VerifyMembership verifies a membership proof against a roster root. Like
// ledger proof verification it needs no database access.
func VerifyMembership(proof *MembershipProof) bool {
	valid, err := arbo.CheckProof(defaultHashFunction, proof.Key, proof.Value, proof.Root, proof.Siblings)
	if err != nil {
		return false
	}
	return valid
}
