package po

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	mrand "math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/choice-protocol/choice/api"
	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/ledger"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/tally"
	"github.com/choice-protocol/choice/tokenstore"
	"github.com/choice-protocol/choice/types"
	"github.com/choice-protocol/choice/util"
)

// voteCommitment computes the ledger leaf for a vote. The salt makes two
// identical choices by different pseudonyms produce distinct leaves.
func voteCommitment(pollID string, pseudonym []byte, choice int, salt []byte) []byte {
	var choiceBuf [4]byte
	binary.BigEndian.PutUint32(choiceBuf[:], uint32(choice))
	return crypto.Keccak256([]byte(pollID), pseudonym, choiceBuf[:], salt)
}

// vote redeems a credential and casts a vote. The credential signature is
// verified locally against the issuer's public key; once the token hash is
// marked spent it stays spent even if a later step fails, which closes the
// retry-by-replay window.
func (p *PO) vote(w http.ResponseWriter, r *http.Request) {
	req := &api.VoteRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		api.ErrMalformedBody.Write(w)
		return
	}
	poll, err := p.tally.Poll(req.PollID)
	if err != nil {
		api.ErrPollNotFound.Withf("%s", req.PollID).Write(w)
		return
	}
	if req.Choice < 0 || req.Choice >= poll.Options {
		api.ErrChoiceOutOfRange.Withf("choice %d, options %d", req.Choice, poll.Options).Write(w)
		return
	}
	if !req.Tier.Valid() {
		api.ErrInvalidTier.Withf("%s", req.Tier).Write(w)
		return
	}
	// The tier is part of the signed message: a forged tier fails the
	// signature check, so the weight the vote carries is issuer-certified.
	msg := voprf.TokenInput(req.Token, types.PollScope(req.PollID), string(req.Tier), req.ExpiresAt)
	if err := voprf.VerifySignature(p.issuerKey, msg, req.Signature); err != nil {
		api.ErrInvalidCredential.WithErr(err).Write(w)
		return
	}
	tokenHash := voprf.TokenHash(req.Token, req.Signature)
	spent, err := p.store.CheckAndMarkSpent(tokenHash, req.PollID, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, tokenstore.ErrTokenExpired) {
			api.ErrCredentialExpired.Write(w)
			return
		}
		// Fail closed: if the spent set cannot answer, no vote is recorded.
		api.ErrStoreUnavailable.WithErr(err).Write(w)
		return
	}
	if spent {
		api.ErrDoubleVote.Write(w)
		return
	}

	pseudonym := voprf.Pseudonym(req.Signature)
	salt := util.RandomBytes(16)
	commitment := voteCommitment(req.PollID, pseudonym, req.Choice, salt)
	leafIndex, err := p.ledger.Append(req.PollID, commitment)
	if err != nil {
		// The token is already burned at this point. That is deliberate:
		// a half-failed vote must not leave a replayable credential.
		log.Errorw(err, "ledger append failed after spending token")
		api.ErrLedgerAppendFailed.Write(w)
		return
	}
	if err := p.tally.Record(&types.VoteCommitment{
		PollID:      req.PollID,
		Pseudonym:   pseudonym,
		Choice:      req.Choice,
		Commitment:  commitment,
		LeafIndex:   leafIndex,
		CommittedAt: time.Now(),
		Tier:        req.Tier,
	}); err != nil {
		log.Errorw(err, "vote record failed after ledger append")
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("vote accepted", "poll", req.PollID, "leafIndex", leafIndex)
	api.WriteJSON(w, &api.VoteResponse{
		PollID:     req.PollID,
		LeafIndex:  leafIndex,
		Commitment: commitment,
		Pseudonym:  pseudonym,
	})
}

// pollParam resolves the poll ID from the URL path, falling back to the
// pollId query parameter served by the flat endpoint forms.
func pollParam(r *http.Request) string {
	if id := chi.URLParam(r, api.PollURLParam); id != "" {
		return id
	}
	return r.URL.Query().Get(api.PollURLParam)
}

// newPoll registers a poll definition.
func (p *PO) newPoll(w http.ResponseWriter, r *http.Request) {
	poll := &types.Poll{}
	if err := json.NewDecoder(r.Body).Decode(poll); err != nil {
		api.ErrMalformedBody.Write(w)
		return
	}
	if poll.ID == "" {
		api.ErrMalformedPollID.Write(w)
		return
	}
	if poll.Options <= 0 {
		api.ErrMalformedBody.With("poll needs at least one option").Write(w)
		return
	}
	poll.CreatedAt = time.Now()
	if err := p.tally.SetPoll(poll); err != nil {
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("poll created", "poll", poll.ID, "options", poll.Options, "budget", poll.PrivacyBudget)
	api.WriteJSON(w, poll)
}

// listPolls returns all registered polls.
func (p *PO) listPolls(w http.ResponseWriter, _ *http.Request) {
	polls, err := p.tally.ListPolls()
	if err != nil {
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	api.WriteJSON(w, polls)
}

// poll returns a single poll definition.
func (p *PO) poll(w http.ResponseWriter, r *http.Request) {
	pollID := pollParam(r)
	poll, err := p.tally.Poll(pollID)
	if err != nil {
		api.ErrPollNotFound.Withf("%s", pollID).Write(w)
		return
	}
	api.WriteJSON(w, poll)
}

// seal freezes the current ledger state into a published root.
func (p *PO) seal(w http.ResponseWriter, r *http.Request) {
	pollID := pollParam(r)
	if _, err := p.tally.Poll(pollID); err != nil {
		api.ErrPollNotFound.Withf("%s", pollID).Write(w)
		return
	}
	sealed, err := p.ledger.SealRoot(pollID)
	if err != nil {
		if errors.Is(err, ledger.ErrNoLeaves) {
			api.ErrResourceNotFound.With("no commitments to seal").Write(w)
			return
		}
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("ledger sealed", "poll", pollID,
		"root", hex.EncodeToString(sealed.Root), "leaves", sealed.LeafCount)
	api.WriteJSON(w, sealed)
}

// pollTally returns the tally over the latest sealed root. With
// ?noised=true the exact counts are withheld and a Laplace-noised release
// is returned instead, drawing ?epsilon (default 0.5) from the poll's
// privacy budget.
func (p *PO) pollTally(w http.ResponseWriter, r *http.Request) {
	pollID := pollParam(r)
	sealed, err := p.ledger.LatestRoot(pollID)
	if err != nil {
		api.ErrNoSealedRoot.Withf("%s", pollID).Write(w)
		return
	}
	rec, err := p.tally.ComputeRaw(sealed)
	if err != nil {
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	if r.URL.Query().Get("noised") == "true" {
		epsilon := 0.5
		if s := r.URL.Query().Get("epsilon"); s != "" {
			epsilon, err = strconv.ParseFloat(s, 64)
			if err != nil || epsilon <= 0 || math.IsInf(epsilon, 0) || math.IsNaN(epsilon) {
				api.ErrMalformedBody.With("invalid epsilon").Write(w)
				return
			}
		}
		if err := p.tally.ReleaseNoised(rec, epsilon, newReleaseSource()); err != nil {
			if errors.Is(err, tally.ErrBudgetExhausted) {
				api.ErrBudgetExhausted.WithErr(err).Write(w)
				return
			}
			api.ErrGenericInternalServerError.WithErr(err).Write(w)
			return
		}
		// A noised release withholds everything the noise protects: the
		// exact counts, the weighted counts and the checksums over them
		// (the result hash of a small poll can be brute-forced back to
		// the counts).
		rec.RawCounts = nil
		rec.WeightedCounts = nil
		rec.ResultHash = nil
		rec.Steps = nil
	}
	api.WriteJSON(w, &api.TallyResponse{Sealed: sealed, Tally: rec})
}

// proof returns an inclusion proof for a ledger leaf against a sealed
// root. The root defaults to the latest seal and can be pinned with ?root.
func (p *PO) proof(w http.ResponseWriter, r *http.Request) {
	pollID := pollParam(r)
	leafIndex, err := strconv.ParseUint(r.URL.Query().Get("leafIndex"), 10, 64)
	if err != nil {
		api.ErrMalformedBody.With("invalid leafIndex").Write(w)
		return
	}
	var root []byte
	if s := r.URL.Query().Get("root"); s != "" {
		root, err = hex.DecodeString(util.TrimHex(s))
		if err != nil {
			api.ErrMalformedBody.With("invalid root").Write(w)
			return
		}
	} else {
		sealed, err := p.ledger.LatestRoot(pollID)
		if err != nil {
			api.ErrNoSealedRoot.Withf("%s", pollID).Write(w)
			return
		}
		root = sealed.Root
	}
	proof, err := p.ledger.ProveInclusion(pollID, leafIndex, root)
	if err != nil {
		if errors.Is(err, ledger.ErrIndexOutOfRange) {
			api.ErrResourceNotFound.With("leaf outside sealed range").Write(w)
			return
		}
		api.ErrNoSealedRoot.WithErr(err).Write(w)
		return
	}
	api.WriteJSON(w, &api.ProofResponse{Root: root, Proof: proof})
}

// newReleaseSource seeds a release RNG from the system entropy pool.
func newReleaseSource() *mrand.Rand {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	return mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
}
