package census

import (
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/choice-protocol/choice/types"
)

// newDatabase returns a new in-memory test database.
func newDatabase(t *testing.T) db.Database {
	return metadb.NewTest(t)
}

func TestRosterNew(t *testing.T) {
	t.Parallel()
	rosterDB := NewDB(newDatabase(t))
	id := uuid.New()

	roster, err := rosterDB.New(id)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, roster, qt.IsNotNil)

	// Creating the same roster twice fails.
	_, err = rosterDB.New(id)
	qt.Assert(t, err, qt.ErrorIs, ErrRosterAlreadyExists)
}

func TestRosterExists(t *testing.T) {
	t.Parallel()
	rosterDB := NewDB(newDatabase(t))
	id := uuid.New()

	qt.Assert(t, rosterDB.Exists(id), qt.IsFalse)
	_, err := rosterDB.New(id)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, rosterDB.Exists(id), qt.IsTrue)
}

func TestRosterMembership(t *testing.T) {
	t.Parallel()
	c := qt.New(t)
	rosterDB := NewDB(newDatabase(t))

	roster, err := rosterDB.New(uuid.New())
	c.Assert(err, qt.IsNil)

	c.Assert(roster.Add("alice", types.TierPersonhood), qt.IsNil)
	c.Assert(roster.Add("bob", types.TierHuman), qt.IsNil)
	c.Assert(roster.Size(), qt.Equals, 2)

	tier, err := roster.Tier("alice")
	c.Assert(err, qt.IsNil)
	c.Assert(tier, qt.Equals, types.TierPersonhood)
	c.Assert(roster.Has("bob"), qt.IsTrue)
	c.Assert(roster.Has("carol"), qt.IsFalse)

	_, err = roster.GenProof("carol")
	c.Assert(err, qt.ErrorIs, ErrNotMember)
}

func TestRosterProofByRoot(t *testing.T) {
	t.Parallel()
	c := qt.New(t)
	rosterDB := NewDB(newDatabase(t))

	roster, err := rosterDB.New(uuid.New())
	c.Assert(err, qt.IsNil)
	users := make([]string, 10)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i)
	}
	c.Assert(roster.AddBatch(users, types.TierPasskey), qt.IsNil)

	root := roster.Root()
	c.Assert(root, qt.IsNotNil)

	proof, err := rosterDB.ProofByRoot(root, "user-3")
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyMembership(proof), qt.IsTrue)

	// A tampered proof fails verification.
	proof.Value[0] ^= 0xff
	c.Assert(VerifyMembership(proof), qt.IsFalse)
}

func TestRosterLoadAfterRestart(t *testing.T) {
	t.Parallel()
	c := qt.New(t)
	database := newDatabase(t)

	id := uuid.New()
	first := NewDB(database)
	roster, err := first.New(id)
	c.Assert(err, qt.IsNil)
	c.Assert(roster.Add("alice", types.TierResidency), qt.IsNil)
	root := roster.Root()

	// A fresh DB over the same store must serve the same tree.
	second := NewDB(database)
	reloaded, err := second.Load(id)
	c.Assert(err, qt.IsNil)
	c.Assert(reloaded.Root(), qt.DeepEquals, root)
	c.Assert(reloaded.Has("alice"), qt.IsTrue)

	proof, err := second.ProofByRoot(root, "alice")
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyMembership(proof), qt.IsTrue)
}
