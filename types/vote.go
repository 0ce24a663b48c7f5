package types

import (
	"encoding/json"
	"time"
)

// Poll is the Poll Orchestrator's view of a poll: the option space and the
// differential-privacy budget available for noised releases.
type Poll struct {
	ID            string    `json:"id"            cbor:"0,keyasint,omitempty"`
	Options       int       `json:"options"       cbor:"1,keyasint,omitempty"`
	PrivacyBudget float64   `json:"privacyBudget" cbor:"2,keyasint,omitempty"`
	CreatedAt     time.Time `json:"createdAt"     cbor:"3,keyasint,omitempty"`
}

func (p *Poll) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

// VoteCommitment is one cast vote, decoupled from voter identity. The
// pseudonym is derived from the credential alone, so votes by the same user
// across different polls are unlinkable.
type VoteCommitment struct {
	PollID      string    `json:"pollId"      cbor:"0,keyasint,omitempty"`
	Pseudonym   HexBytes  `json:"pseudonym"   cbor:"1,keyasint,omitempty"`
	Choice      int       `json:"choice"      cbor:"2,keyasint,omitempty"`
	Commitment  HexBytes  `json:"commitment"  cbor:"3,keyasint,omitempty"`
	LeafIndex   uint64    `json:"leafIndex"   cbor:"4,keyasint,omitempty"`
	CommittedAt time.Time `json:"committedAt" cbor:"5,keyasint,omitempty"`
	Tier        Tier      `json:"tier"        cbor:"6,keyasint,omitempty"`
}

// SealedRoot is a published snapshot of the commitment ledger. It covers
// leaves [0, LeafCount) and is never recomputed over a different leaf set.
type SealedRoot struct {
	PollID    string    `json:"pollId"    cbor:"0,keyasint,omitempty"`
	Root      HexBytes  `json:"root"      cbor:"1,keyasint,omitempty"`
	LeafCount uint64    `json:"leafCount" cbor:"2,keyasint,omitempty"`
	SealedAt  time.Time `json:"sealedAt"  cbor:"3,keyasint,omitempty"`
}

// MerkleProof is an inclusion proof for a ledger leaf against a sealed
// root. A nil sibling entry marks a level where the node was carried up
// without a partner (odd node count at that level).
type MerkleProof struct {
	Leaf      HexBytes   `json:"leaf"`
	Index     uint64     `json:"index"`
	Siblings  []HexBytes `json:"siblings"`
	LeafCount uint64     `json:"leafCount"`
}

// TallyRecord is the result of a raw tally computation over a sealed root,
// plus any noised release bookkeeping. WeightedCounts apply the tier weight
// of each credential; Steps and ResultHash let an auditor replay the
// computation stage by stage and compare checksums.
type TallyRecord struct {
	PollID         string      `json:"pollId"                   cbor:"0,keyasint,omitempty"`
	Root           HexBytes    `json:"root"                     cbor:"1,keyasint,omitempty"`
	RawCounts      []uint64    `json:"rawCounts"                cbor:"2,keyasint,omitempty"`
	NoisedCounts   []float64   `json:"noisedCounts,omitempty"   cbor:"3,keyasint,omitempty"`
	EpsilonSpent   float64     `json:"epsilonSpent"             cbor:"4,keyasint,omitempty"`
	ComputedAt     time.Time   `json:"computedAt"               cbor:"5,keyasint,omitempty"`
	WeightedCounts []float64   `json:"weightedCounts,omitempty" cbor:"6,keyasint,omitempty"`
	InputChecksum  HexBytes    `json:"inputChecksum"            cbor:"7,keyasint,omitempty"`
	ResultHash     HexBytes    `json:"resultHash"               cbor:"8,keyasint,omitempty"`
	Steps          []TallyStep `json:"steps,omitempty"          cbor:"9,keyasint,omitempty"`
}

// TallyStep is the checksum of one stage of a tally computation. The
// checksums are a deterministic function of the sealed leaf range, so an
// independent replay produces the same sequence.
type TallyStep struct {
	Name     string   `json:"name"     cbor:"0,keyasint,omitempty"`
	Checksum HexBytes `json:"checksum" cbor:"1,keyasint,omitempty"`
}
