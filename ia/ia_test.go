package ia

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/choice-protocol/choice/api"
	"github.com/choice-protocol/choice/census"
	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/tokenstore"
	"github.com/choice-protocol/choice/types"
)

func newTestIA(t *testing.T) (*IA, *httptest.Server) {
	c := qt.New(t)
	database, err := metadb.New(db.TypePebble, t.TempDir())
	c.Assert(err, qt.IsNil)
	roster, err := census.NewDB(database).New(uuid.New())
	c.Assert(err, qt.IsNil)
	signer, err := voprf.GenerateKey()
	c.Assert(err, qt.IsNil)

	a, err := New(&Config{
		Host:     "127.0.0.1",
		Port:     0,
		Store:    tokenstore.New(database),
		Roster:   roster,
		Signer:   signer,
		TokenTTL: time.Hour,
	})
	c.Assert(err, qt.IsNil)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return a, srv
}

func doJSON(t *testing.T, method, url string, body, out any) int {
	c := qt.New(t)
	var buf bytes.Buffer
	if body != nil {
		c.Assert(json.NewEncoder(&buf).Encode(body), qt.IsNil)
	}
	req, err := http.NewRequest(method, url, &buf)
	c.Assert(err, qt.IsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		c.Assert(json.NewDecoder(resp.Body).Decode(out), qt.IsNil)
	}
	return resp.StatusCode
}

func setupPoll(t *testing.T, srv *httptest.Server, pollID string, minTier types.Tier, users []string, tier types.Tier) {
	c := qt.New(t)
	status := doJSON(t, http.MethodPost, srv.URL+api.CensusEndpoint,
		&api.CensusAddRequest{UserIDs: users, Tier: tier}, nil)
	c.Assert(status, qt.Equals, http.StatusOK)
	status = doJSON(t, http.MethodPost, srv.URL+api.PoliciesEndpoint,
		&types.PollPolicy{PollID: pollID, MinTier: minTier}, nil)
	c.Assert(status, qt.Equals, http.StatusOK)
}

func TestChallengeEligibility(t *testing.T) {
	c := qt.New(t)
	_, srv := newTestIA(t)
	setupPoll(t, srv, "p1", types.TierPersonhood, []string{"alice"}, types.TierPersonhood)

	// Unknown poll.
	status := doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "nope"}, nil)
	c.Assert(status, qt.Equals, http.StatusNotFound)

	// Not in the roster.
	status = doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "mallory", PollID: "p1"}, nil)
	c.Assert(status, qt.Equals, http.StatusForbidden)

	// Tier above what the roster certifies.
	status = doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "p1", Tier: types.TierResidency}, nil)
	c.Assert(status, qt.Equals, http.StatusForbidden)

	// Valid request.
	var challenge api.ChallengeResponse
	status = doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "p1"}, &challenge)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(challenge.Scope, qt.Equals, "poll:p1")
	c.Assert(challenge.ExpiresAt.After(time.Now()), qt.IsTrue)

	// A second challenge while the first is active is rejected.
	status = doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "p1"}, nil)
	c.Assert(status, qt.Equals, http.StatusConflict)
}

func TestChallengeBelowMinTier(t *testing.T) {
	c := qt.New(t)
	_, srv := newTestIA(t)
	setupPoll(t, srv, "p1", types.TierPersonhood, []string{"bob"}, types.TierHuman)

	status := doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "bob", PollID: "p1"}, nil)
	c.Assert(status, qt.Equals, http.StatusForbidden)
}

func TestSignAndUnblind(t *testing.T) {
	c := qt.New(t)
	a, srv := newTestIA(t)
	setupPoll(t, srv, "p1", types.TierHuman, []string{"alice"}, types.TierPasskey)

	var challenge api.ChallengeResponse
	status := doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "p1"}, &challenge)
	c.Assert(status, qt.Equals, http.StatusOK)

	pk, err := voprf.PublicKeyFromBytes(challenge.PublicKey)
	c.Assert(err, qt.IsNil)
	c.Assert(pk.Bytes(), qt.DeepEquals, a.signer.PublicKey().Bytes())

	// Client side: build the message, blind, submit for evaluation.
	token := []byte("client secret token material 123")
	msg := voprf.TokenInput(token, challenge.Scope, string(challenge.Tier), challenge.ExpiresAt)
	blinded, err := voprf.Blind(msg)
	c.Assert(err, qt.IsNil)

	var signResp api.SignResponse
	status = doJSON(t, http.MethodPost, srv.URL+api.SignEndpoint,
		&api.SignRequest{UserID: "alice", PollID: "p1", BlindedElement: blinded.Element}, &signResp)
	c.Assert(status, qt.Equals, http.StatusOK)

	sig, err := blinded.Unblind(&voprf.Evaluation{
		Element: signResp.Element,
		Proof:   voprf.Proof{C: signResp.ProofC, S: signResp.ProofS},
	}, pk)
	c.Assert(err, qt.IsNil)
	c.Assert(voprf.VerifySignature(pk, msg, sig), qt.IsNil)

	// The issuance is consumed; a second evaluation needs a new challenge.
	status = doJSON(t, http.MethodPost, srv.URL+api.SignEndpoint,
		&api.SignRequest{UserID: "alice", PollID: "p1", BlindedElement: blinded.Element}, nil)
	c.Assert(status, qt.Equals, http.StatusNotFound)
}

func TestSignConcurrentIssuanceSingleUse(t *testing.T) {
	c := qt.New(t)
	_, srv := newTestIA(t)
	setupPoll(t, srv, "p1", types.TierHuman, []string{"alice"}, types.TierHuman)

	var challenge api.ChallengeResponse
	status := doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "p1"}, &challenge)
	c.Assert(status, qt.Equals, http.StatusOK)

	// Race one issuance with distinct blinded elements. Only one request
	// may receive an evaluation, or a single issuance would mint several
	// independently spendable credentials.
	const racers = 8
	elements := make([][]byte, racers)
	for i := range elements {
		blinded, err := voprf.Blind(voprf.TokenInput(
			[]byte{byte(i)}, challenge.Scope, string(challenge.Tier), challenge.ExpiresAt))
		c.Assert(err, qt.IsNil)
		elements[i] = blinded.Element
	}

	var wg sync.WaitGroup
	var signed atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(element []byte) {
			defer wg.Done()
			body, err := json.Marshal(&api.SignRequest{
				UserID: "alice", PollID: "p1", BlindedElement: element,
			})
			if err != nil {
				return
			}
			resp, err := http.Post(srv.URL+api.SignEndpoint, "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusOK {
				signed.Add(1)
			}
		}(elements[i])
	}
	wg.Wait()
	c.Assert(signed.Load(), qt.Equals, int64(1))
}

func TestKeyEndpoint(t *testing.T) {
	c := qt.New(t)
	a, srv := newTestIA(t)

	var key api.KeyResponse
	status := doJSON(t, http.MethodGet, srv.URL+api.KeyEndpoint, nil, &key)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert([]byte(key.PublicKey), qt.DeepEquals, a.signer.PublicKey().Bytes())
}

func TestSignWithZeroizedKey(t *testing.T) {
	c := qt.New(t)
	a, srv := newTestIA(t)
	setupPoll(t, srv, "p1", types.TierHuman, []string{"alice"}, types.TierHuman)

	var challenge api.ChallengeResponse
	status := doJSON(t, http.MethodPost, srv.URL+api.ChallengeEndpoint,
		&api.ChallengeRequest{UserID: "alice", PollID: "p1"}, &challenge)
	c.Assert(status, qt.Equals, http.StatusOK)

	blinded, err := voprf.Blind(voprf.TokenInput([]byte("tok"), challenge.Scope, string(challenge.Tier), challenge.ExpiresAt))
	c.Assert(err, qt.IsNil)

	a.signer.Zeroize()
	status = doJSON(t, http.MethodPost, srv.URL+api.SignEndpoint,
		&api.SignRequest{UserID: "alice", PollID: "p1", BlindedElement: blinded.Element}, nil)
	c.Assert(status, qt.Equals, http.StatusServiceUnavailable)
}
