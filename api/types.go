package api

import (
	"time"

	"github.com/choice-protocol/choice/types"
)

// ChallengeRequest starts a credential issuance for a poll.
type ChallengeRequest struct {
	UserID string     `json:"userStableId"`
	PollID string     `json:"pollId"`
	Tier   types.Tier `json:"tier"`
}

// ChallengeResponse carries the blinding context the client needs to build
// and blind the credential message locally. The server never sees the
// client's token.
type ChallengeResponse struct {
	ChallengeID types.HexBytes `json:"challengeId"`
	Scope       string         `json:"scope"`
	// Tier is the verification tier the issuance was granted at. The client
	// binds it into the credential message together with scope and expiry.
	Tier      types.Tier `json:"tier"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	// PublicKey is the issuer's compressed G1||G2 public key.
	PublicKey types.HexBytes `json:"publicKey"`
}

// SignRequest submits a blinded element for evaluation.
type SignRequest struct {
	UserID         string         `json:"userStableId"`
	PollID         string         `json:"pollId"`
	BlindedElement types.HexBytes `json:"blindedElement"`
}

// SignResponse is the evaluated element with its DLEQ proof.
type SignResponse struct {
	Element   types.HexBytes `json:"element"`
	ProofC    types.HexBytes `json:"proofC"`
	ProofS    types.HexBytes `json:"proofS"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// KeyResponse carries the issuer's compressed G1||G2 public key.
type KeyResponse struct {
	PublicKey types.HexBytes `json:"publicKey"`
}

// CensusAddRequest adds participants to the eligibility roster.
type CensusAddRequest struct {
	UserIDs []string   `json:"userStableIds"`
	Tier    types.Tier `json:"tier"`
}

// CensusResponse reports the roster state after a mutation.
type CensusResponse struct {
	Root types.HexBytes `json:"root"`
	Size int            `json:"size"`
}

// VoteRequest redeems a credential and casts a vote. Token and Signature
// are revealed here for the first time; the orchestrator verifies the
// signature against the issuer's public key without contacting the issuer.
type VoteRequest struct {
	PollID    string         `json:"pollId"`
	Token     types.HexBytes `json:"token"`
	Signature types.HexBytes `json:"signature"`
	Tier      types.Tier     `json:"tier"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Choice    int            `json:"choice"`
}

// VoteResponse is the voter's receipt stub: the leaf index to request an
// inclusion proof for once the ledger is sealed.
type VoteResponse struct {
	PollID     string         `json:"pollId"`
	LeafIndex  uint64         `json:"leafIndex"`
	Commitment types.HexBytes `json:"commitment"`
	Pseudonym  types.HexBytes `json:"pseudonym"`
}

// TallyResponse wraps a tally record for the latest sealed root.
type TallyResponse struct {
	Sealed *types.SealedRoot  `json:"sealed"`
	Tally  *types.TallyRecord `json:"tally"`
}

// ProofResponse is an inclusion proof against a sealed root.
type ProofResponse struct {
	Root  types.HexBytes     `json:"root"`
	Proof *types.MerkleProof `json:"proof"`
}
