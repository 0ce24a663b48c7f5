package audit

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/choice-protocol/choice/ledger"
	"github.com/choice-protocol/choice/tally"
	"github.com/choice-protocol/choice/types"
	"github.com/choice-protocol/choice/util"
)

func TestVerifyReceipt(t *testing.T) {
	c := qt.New(t)
	database, err := metadb.New(db.TypePebble, t.TempDir())
	c.Assert(err, qt.IsNil)
	l := ledger.New(database)

	for i := 0; i < 5; i++ {
		_, err := l.Append("poll-1", util.RandomBytes(32))
		c.Assert(err, qt.IsNil)
	}
	sealed, err := l.SealRoot("poll-1")
	c.Assert(err, qt.IsNil)

	proof, err := l.ProveInclusion("poll-1", 2, sealed.Root)
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyReceipt(proof, sealed.Root), qt.IsTrue)
	c.Assert(VerifyReceipt(proof, util.RandomBytes(32)), qt.IsFalse)
}

func TestVerifyTally(t *testing.T) {
	c := qt.New(t)
	database, err := metadb.New(db.TypePebble, t.TempDir())
	c.Assert(err, qt.IsNil)
	engine := tally.New(database)

	c.Assert(engine.SetPoll(&types.Poll{ID: "poll-1", Options: 2, PrivacyBudget: 1}), qt.IsNil)
	choices := []int{0, 1, 0, 0}
	for i, choice := range choices {
		c.Assert(engine.Record(&types.VoteCommitment{
			PollID:     "poll-1",
			Pseudonym:  util.RandomBytes(32),
			Choice:     choice,
			Commitment: util.RandomBytes(32),
			LeafIndex:  uint64(i),
		}), qt.IsNil)
	}
	sealed := &types.SealedRoot{
		PollID:    "poll-1",
		Root:      util.RandomBytes(32),
		LeafCount: uint64(len(choices)),
		SealedAt:  time.Now(),
	}

	c.Assert(VerifyTally(engine, sealed, []uint64{3, 1}), qt.IsNil)
	c.Assert(VerifyTally(engine, sealed, []uint64{2, 2}), qt.ErrorIs, ErrTallyMismatch)
	c.Assert(VerifyTally(engine, sealed, []uint64{3}), qt.ErrorIs, ErrTallyMismatch)

	// The full record check replays the step checksums too.
	published, err := engine.ComputeRaw(sealed)
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyRecord(engine, sealed, published), qt.IsNil)

	forged := *published
	forged.ResultHash = util.RandomBytes(32)
	c.Assert(VerifyRecord(engine, sealed, &forged), qt.ErrorIs, ErrTallyMismatch)

	forged = *published
	forged.WeightedCounts = []float64{2, 2}
	forged.ResultHash = published.ResultHash
	c.Assert(VerifyRecord(engine, sealed, &forged), qt.ErrorIs, ErrTallyMismatch)
}
