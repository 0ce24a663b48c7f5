package tokenstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/choice-protocol/choice/types"
	"github.com/choice-protocol/choice/util"
)

func newTestStore(t *testing.T) *Store {
	database, err := metadb.New(db.TypePebble, t.TempDir())
	qt.Assert(t, err, qt.IsNil)
	return New(database)
}

func TestIssuedLifecycle(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	rec := &types.IssuedToken{
		ChallengeID: util.RandomBytes(16),
		UserID:      "user-1",
		PollID:      "poll-1",
		Scope:       types.PollScope("poll-1"),
		Tier:        types.TierPersonhood,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	c.Assert(st.CreateIssued(rec), qt.IsNil)

	got, err := st.ActiveIssued("user-1", "poll-1", rec.Scope)
	c.Assert(err, qt.IsNil)
	c.Assert(got.UserID, qt.Equals, "user-1")
	c.Assert(got.Tier, qt.Equals, types.TierPersonhood)

	// A second request while the first credential is active is rejected.
	c.Assert(st.CreateIssued(rec), qt.ErrorIs, ErrDuplicateRequest)

	// Once consumed, the slot frees up for re-issuance.
	used, err := st.ConsumeIssued("user-1", "poll-1", rec.Scope)
	c.Assert(err, qt.IsNil)
	c.Assert(used.Used, qt.IsTrue)
	_, err = st.ActiveIssued("user-1", "poll-1", rec.Scope)
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	// A consumed record cannot be claimed again.
	_, err = st.ConsumeIssued("user-1", "poll-1", rec.Scope)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	c.Assert(st.CreateIssued(rec), qt.IsNil)
}

func TestConsumeIssuedSingleWinner(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	rec := &types.IssuedToken{
		UserID:    "user-3",
		PollID:    "poll-1",
		Scope:     types.PollScope("poll-1"),
		Tier:      types.TierPasskey,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	c.Assert(st.CreateIssued(rec), qt.IsNil)

	// Many concurrent claims for the same issuance: exactly one wins.
	const claims = 16
	var wg sync.WaitGroup
	var won atomic.Int64
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ConsumeIssued("user-3", "poll-1", rec.Scope); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	c.Assert(won.Load(), qt.Equals, int64(1))
}

func TestIssuedExpiredSlotReusable(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	rec := &types.IssuedToken{
		UserID:    "user-2",
		PollID:    "poll-1",
		Scope:     types.PollScope("poll-1"),
		Tier:      types.TierHuman,
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	c.Assert(st.CreateIssued(rec), qt.IsNil)

	// Expired credentials neither block re-issuance nor show as active.
	_, err := st.ActiveIssued("user-2", "poll-1", rec.Scope)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	rec.ExpiresAt = time.Now().Add(time.Hour)
	c.Assert(st.CreateIssued(rec), qt.IsNil)
}

func TestCheckAndMarkSpent(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	hash := util.RandomBytes(32)
	expiry := time.Now().Add(time.Hour)

	spent, err := st.CheckAndMarkSpent(hash, "poll-1", expiry)
	c.Assert(err, qt.IsNil)
	c.Assert(spent, qt.IsFalse)

	// Second redemption of the same hash is the double-vote case.
	spent, err = st.CheckAndMarkSpent(hash, "poll-1", expiry)
	c.Assert(err, qt.IsNil)
	c.Assert(spent, qt.IsTrue)

	ok, err := st.IsSpent(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)

	rec, err := st.SpentToken(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.PollID, qt.Equals, "poll-1")
}

func TestCheckAndMarkSpentSingleWinner(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	hash := util.RandomBytes(32)
	expiry := time.Now().Add(time.Hour)

	// Concurrent redemptions of one credential: exactly one observes the
	// hash as unspent, every other caller sees it already spent.
	const redemptions = 16
	var wg sync.WaitGroup
	var fresh atomic.Int64
	for i := 0; i < redemptions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spent, err := st.CheckAndMarkSpent(hash, "poll-1", expiry)
			if err == nil && !spent {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	c.Assert(fresh.Load(), qt.Equals, int64(1))

	ok, err := st.IsSpent(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
}

func TestSpentRejectsExpired(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	hash := util.RandomBytes(32)
	_, err := st.CheckAndMarkSpent(hash, "poll-1", time.Now().Add(-time.Minute))
	c.Assert(err, qt.ErrorIs, ErrTokenExpired)

	// The expiry rejection must not burn the token hash.
	ok, err := st.IsSpent(hash)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
}

func TestPollPolicy(t *testing.T) {
	c := qt.New(t)
	st := newTestStore(t)

	_, err := st.PollPolicy("missing")
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	c.Assert(st.SetPollPolicy(&types.PollPolicy{PollID: "poll-1", MinTier: types.TierPasskey}), qt.IsNil)
	c.Assert(st.SetPollPolicy(&types.PollPolicy{PollID: "poll-2", MinTier: types.TierResidency}), qt.IsNil)

	p, err := st.PollPolicy("poll-1")
	c.Assert(err, qt.IsNil)
	c.Assert(p.MinTier, qt.Equals, types.TierPasskey)

	all, err := st.ListPollPolicies()
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.HasLen, 2)
}
