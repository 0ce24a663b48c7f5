package service

import (
	"context"
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

func TestSealerSealsGrowingLedgers(t *testing.T) {
	c := qt.New(t)
	database, err := metadb.New(db.TypePebble, t.TempDir())
	c.Assert(err, qt.IsNil)
	l := ledger.New(database)
	e := tally.New(database)

	c.Assert(e.SetPoll(&types.Poll{ID: "p1", Options: 2, PrivacyBudget: 1}), qt.IsNil)
	for i := 0; i < 3; i++ {
		_, err := l.Append("p1", util.RandomBytes(32))
		c.Assert(err, qt.IsNil)
	}

	s, err := NewSealer(l, e, 50*time.Millisecond)
	c.Assert(err, qt.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Assert(s.Start(ctx), qt.IsNil)
	defer s.Stop()

	// Wait for the first automatic seal.
	deadline := time.Now().Add(2 * time.Second)
	var sealed *types.SealedRoot
	for time.Now().Before(deadline) {
		if sealed, err = l.LatestRoot("p1"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.Assert(err, qt.IsNil)
	c.Assert(sealed.LeafCount, qt.Equals, uint64(3))

	// With no new commitments the root stays put; after another append a
	// new root is published.
	firstRoot := sealed.Root
	_, err = l.Append("p1", util.RandomBytes(32))
	c.Assert(err, qt.IsNil)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sealed, err = l.LatestRoot("p1"); err == nil && sealed.LeafCount == 4 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.Assert(sealed.LeafCount, qt.Equals, uint64(4))
	c.Assert(sealed.Root, qt.Not(qt.DeepEquals), firstRoot)
}

func TestSealerConfigValidation(t *testing.T) {
	c := qt.New(t)
	_, err := NewSealer(nil, nil, time.Second)
	c.Assert(err, qt.IsNotNil)

	database, err := metadb.New(db.TypePebble, t.TempDir())
	c.Assert(err, qt.IsNil)
	_, err = NewSealer(ledger.New(database), tally.New(database), 0)
	c.Assert(err, qt.IsNotNil)
}
