// Package tokenstore persists credential lifecycle records over a prefixed
// key-value store. The same package backs both sides of the trust boundary,
// but always over disjoint databases:
//   - the Identity Authority stores issuance records ('it/' prefix), keyed
//     by user, poll and scope, to rate-limit duplicate requests;
//   - the Poll Orchestrator stores spent-token records ('st/' prefix),
//     keyed by token hash only, to prevent double voting.
//
// Poll eligibility policies live under the 'pp/' prefix on the IA side.
// Nothing in the spent-token keyspace can be joined with the issuance
// keyspace: the orchestrator never sees user identifiers and the authority
// never sees token hashes.
package tokenstore

import (
	"crypto/sha256"
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
	issuedPrefix = []byte("it/")
	spentPrefix  = []byte("st/")
	policyPrefix = []byte("pp/")
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateRequest is returned when a user already holds an active
	// credential for the same poll scope.
	ErrDuplicateRequest = errors.New("active credential already issued for this scope")
	// ErrTokenExpired is returned when a credential is redeemed past its
	// expiry instant.
	ErrTokenExpired = errors.New("credential expired")
)

// Store wraps the credential keyspaces of one side of the trust boundary.
type Store struct {
	db db.Database
	// lock serializes check-and-mark sequences so two concurrent
	// redemptions of the same token cannot both pass the spent check.
	lock sync.Mutex
}

// New creates a new Store instance over the given database.
func New(database db.Database) *Store {
	return &Store{db: database}
}

// Close closes the underlying database.
func (s *Store) Close() {
	s.db.Close()
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

// issuedKey derives the issuance record key from the stable user ID and the
// credential scope. The key is identity-bound on purpose: it is what lets
// the authority detect a second request for the same scope.
func issuedKey(userID, pollID, scope string) []byte {
	h := sha256.Sum256([]byte(userID + "|" + pollID + "|" + scope))
	return h[:]
}

// CreateIssued records a credential issuance. It returns ErrDuplicateRequest
// if the user already holds an unexpired, unused credential for the same
// poll scope.
func (s *Store) CreateIssued(rec *types.IssuedToken) error {
	if rec == nil {
		return fmt.Errorf("nil issuance record")
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	key := issuedKey(rec.UserID, rec.PollID, rec.Scope)
	prev, err := s.issuedByKey(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil && !prev.Used && time.Now().Before(prev.ExpiresAt) {
		return ErrDuplicateRequest
	}

	val, err := encodeArtifact(rec)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), issuedPrefix)
	if err := wTx.Set(key, val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// ActiveIssued returns the unexpired, unused issuance record for the given
// user and scope, or ErrNotFound.
func (s *Store) ActiveIssued(userID, pollID, scope string) (*types.IssuedToken, error) {
	rec, err := s.issuedByKey(issuedKey(userID, pollID, scope))
	if err != nil {
		return nil, err
	}
	if rec.Used || time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ConsumeIssued atomically claims the active issuance record for the given
// user and scope: the unused check and the used flag happen under the store
// lock, so of any number of concurrent claims exactly one succeeds. Used or
// expired records return ErrNotFound. The authority does not learn whether
// the credential is ever redeemed.
func (s *Store) ConsumeIssued(userID, pollID, scope string) (*types.IssuedToken, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	key := issuedKey(userID, pollID, scope)
	rec, err := s.issuedByKey(key)
	if err != nil {
		return nil, err
	}
	if rec.Used || time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	rec.Used = true
	rec.UsedAt = time.Now()
	val, err := encodeArtifact(rec)
	if err != nil {
		return nil, err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), issuedPrefix)
	if err := wTx.Set(key, val); err != nil {
		wTx.Discard()
		return nil, err
	}
	return rec, wTx.Commit()
}

func (s *Store) issuedByKey(key []byte) (*types.IssuedToken, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, issuedPrefix)
	data, err := rTx.Get(key)
	if err != nil {
		return nil, ErrNotFound
	}
	rec := &types.IssuedToken{}
	if err := decodeArtifact(data, rec); err != nil {
		return nil, fmt.Errorf("decode issuance record: %w", err)
	}
	return rec, nil
}

// CheckAndMarkSpent atomically checks the spent set for tokenHash and marks
// it spent. It returns true if the token was already spent. An expired
// credential is rejected with ErrTokenExpired before touching the set, so a
// failed expiry check never burns the token.
func (s *Store) CheckAndMarkSpent(tokenHash []byte, pollID string, expiresAt time.Time) (bool, error) {
	if time.Now().After(expiresAt) {
		return false, ErrTokenExpired
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	rTx := prefixeddb.NewPrefixedReader(s.db, spentPrefix)
	if _, err := rTx.Get(tokenHash); err == nil {
		return true, nil
	}
	rec := &types.SpentToken{
		TokenHash: tokenHash,
		PollID:    pollID,
		ExpiresAt: expiresAt,
		UsedAt:    time.Now(),
	}
	val, err := encodeArtifact(rec)
	if err != nil {
		return false, err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), spentPrefix)
	if err := wTx.Set(tokenHash, val); err != nil {
		wTx.Discard()
		return false, err
	}
	return false, wTx.Commit()
}

// IsSpent reports whether tokenHash is in the spent set.
func (s *Store) IsSpent(tokenHash []byte) (bool, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, spentPrefix)
	if _, err := rTx.Get(tokenHash); err != nil {
		return false, nil
	}
	return true, nil
}

// SpentToken retrieves a spent-token record, or ErrNotFound.
func (s *Store) SpentToken(tokenHash []byte) (*types.SpentToken, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, spentPrefix)
	data, err := rTx.Get(tokenHash)
	if err != nil {
		return nil, ErrNotFound
	}
	rec := &types.SpentToken{}
	if err := decodeArtifact(data, rec); err != nil {
		return nil, fmt.Errorf("decode spent record: %w", err)
	}
	return rec, nil
}

// SetPollPolicy stores the eligibility policy for a poll.
func (s *Store) SetPollPolicy(p *types.PollPolicy) error {
	if p == nil {
		return fmt.Errorf("nil poll policy")
	}
	val, err := encodeArtifact(p)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), policyPrefix)
	if err := wTx.Set([]byte(p.PollID), val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// PollPolicy retrieves the eligibility policy for a poll, or ErrNotFound.
func (s *Store) PollPolicy(pollID string) (*types.PollPolicy, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, policyPrefix)
	data, err := rTx.Get([]byte(pollID))
	if err != nil {
		return nil, ErrNotFound
	}
	p := &types.PollPolicy{}
	if err := decodeArtifact(data, p); err != nil {
		return nil, fmt.Errorf("decode poll policy: %w", err)
	}
	return p, nil
}

// ListPollPolicies returns all stored poll policies.
func (s *Store) ListPollPolicies() ([]*types.PollPolicy, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, policyPrefix)
	var policies []*types.PollPolicy
	if err := rTx.Iterate(nil, func(_, v []byte) bool {
		p := &types.PollPolicy{}
		if err := decodeArtifact(v, p); err != nil {
			return true
		}
		policies = append(policies, p)
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate poll policies: %w", err)
	}
	return policies, nil
}
