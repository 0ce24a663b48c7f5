package ia

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/choice-protocol/choice/api"
	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/tokenstore"
	"github.com/choice-protocol/choice/types"
	"github.com/choice-protocol/choice/util"
)

// challenge starts a credential issuance. It checks the eligibility policy
// of the poll against the census roster and records the issuance so a
// second request for the same scope is rejected while the first credential
// is active.
func (a *IA) challenge(w http.ResponseWriter, r *http.Request) {
	req := &api.ChallengeRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		api.ErrMalformedBody.Write(w)
		return
	}
	if req.UserID == "" || req.PollID == "" {
		api.ErrMalformedBody.With("missing userStableId or pollId").Write(w)
		return
	}
	policy, err := a.store.PollPolicy(req.PollID)
	if err != nil {
		api.ErrPollNotFound.Withf("%s", req.PollID).Write(w)
		return
	}
	rosterTier, err := a.roster.Tier(req.UserID)
	if err != nil {
		api.ErrIneligibleUser.With("not in the census roster").Write(w)
		return
	}
	// The credential is issued at the requested tier, capped by what the
	// roster certifies for the user.
	tier := req.Tier
	if tier == "" {
		tier = rosterTier
	}
	if !tier.Valid() {
		api.ErrInvalidTier.Withf("%s", tier).Write(w)
		return
	}
	if tier.Level() > rosterTier.Level() {
		api.ErrIneligibleUser.Withf("roster certifies %s, requested %s", rosterTier, tier).Write(w)
		return
	}
	if !tier.AtLeast(policy.MinTier) {
		api.ErrIneligibleUser.Withf("poll requires at least %s", policy.MinTier).Write(w)
		return
	}

	now := time.Now()
	rec := &types.IssuedToken{
		ChallengeID: util.RandomBytes(16),
		UserID:      req.UserID,
		PollID:      req.PollID,
		Scope:       types.PollScope(req.PollID),
		Tier:        tier,
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.ttl),
	}
	if err := a.store.CreateIssued(rec); err != nil {
		if errors.Is(err, tokenstore.ErrDuplicateRequest) {
			api.ErrDuplicateRequest.Write(w)
			return
		}
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("credential challenge issued",
		"poll", req.PollID, "tier", string(tier), "expires", rec.ExpiresAt)
	api.WriteJSON(w, &api.ChallengeResponse{
		ChallengeID: rec.ChallengeID,
		Scope:       rec.Scope,
		Tier:        rec.Tier,
		IssuedAt:    rec.IssuedAt,
		ExpiresAt:   rec.ExpiresAt,
		PublicKey:   a.signer.PublicKey().Bytes(),
	})
}

// sign evaluates a blinded element for an active issuance. The element is
// opaque to the authority: it learns that the user exercised the issuance,
// nothing about the credential itself.
func (a *IA) sign(w http.ResponseWriter, r *http.Request) {
	req := &api.SignRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		api.ErrMalformedBody.Write(w)
		return
	}
	scope := types.PollScope(req.PollID)
	if _, err := a.store.ActiveIssued(req.UserID, req.PollID, scope); err != nil {
		api.ErrResourceNotFound.With("no active issuance for this scope").Write(w)
		return
	}
	eval, err := a.signer.Evaluate(req.BlindedElement)
	if err != nil {
		if errors.Is(err, voprf.ErrSigningKeyUnavailable) {
			api.ErrSigningKeyUnavailable.Write(w)
			return
		}
		api.ErrInvalidCredential.WithErr(err).Write(w)
		return
	}
	// ConsumeIssued is the serialization point: concurrent evaluations for
	// the same issuance all reach it, but only one claims the record and
	// returns its evaluation. The ActiveIssued read above is just a cheap
	// pre-filter.
	rec, err := a.store.ConsumeIssued(req.UserID, req.PollID, scope)
	if err != nil {
		api.ErrResourceNotFound.With("no active issuance for this scope").Write(w)
		return
	}
	api.WriteJSON(w, &api.SignResponse{
		Element:   eval.Element,
		ProofC:    eval.Proof.C,
		ProofS:    eval.Proof.S,
		ExpiresAt: rec.ExpiresAt,
	})
}

// key returns the issuer's public key.
func (a *IA) key(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, &api.KeyResponse{PublicKey: a.signer.PublicKey().Bytes()})
}

// setPolicy registers the eligibility policy for a poll.
func (a *IA) setPolicy(w http.ResponseWriter, r *http.Request) {
	policy := &types.PollPolicy{}
	if err := json.NewDecoder(r.Body).Decode(policy); err != nil {
		api.ErrMalformedBody.Write(w)
		return
	}
	if policy.PollID == "" {
		api.ErrMalformedPollID.Write(w)
		return
	}
	if !policy.MinTier.Valid() {
		api.ErrInvalidTier.Withf("%s", policy.MinTier).Write(w)
		return
	}
	policy.CensusRoot = a.roster.Root()
	if err := a.store.SetPollPolicy(policy); err != nil {
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("poll policy set", "poll", policy.PollID, "minTier", string(policy.MinTier))
	api.WriteJSON(w, policy)
}

// listPolicies returns all registered poll policies.
func (a *IA) listPolicies(w http.ResponseWriter, _ *http.Request) {
	policies, err := a.store.ListPollPolicies()
	if err != nil {
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	api.WriteJSON(w, policies)
}

// addParticipants inserts verified users into the census roster.
func (a *IA) addParticipants(w http.ResponseWriter, r *http.Request) {
	req := &api.CensusAddRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		api.ErrMalformedBody.Write(w)
		return
	}
	if !req.Tier.Valid() {
		api.ErrInvalidTier.Withf("%s", req.Tier).Write(w)
		return
	}
	if len(req.UserIDs) == 0 {
		api.ErrMalformedBody.With("no participants").Write(w)
		return
	}
	if err := a.roster.AddBatch(req.UserIDs, req.Tier); err != nil {
		api.ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("participants added to roster", "count", len(req.UserIDs), "tier", string(req.Tier))
	api.WriteJSON(w, &api.CensusResponse{Root: a.roster.Root(), Size: a.roster.Size()})
}

// censusInfo returns the current roster root and size.
func (a *IA) censusInfo(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, &api.CensusResponse{Root: a.roster.Root(), Size: a.roster.Size()})
}
