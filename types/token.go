package types

import (
	"encoding/json"
	"time"
)

// IssuedToken is the Identity Authority's record of a credential issuance.
// It proves "a credential was issued to this user for this scope"; it never
// holds the unblinded token, which only the client learns.
type IssuedToken struct {
	ChallengeID HexBytes  `json:"challengeId"         cbor:"0,keyasint,omitempty"`
	UserID      string    `json:"userStableId"        cbor:"1,keyasint,omitempty"`
	PollID      string    `json:"pollId"              cbor:"2,keyasint,omitempty"`
	Scope       string    `json:"scope"               cbor:"3,keyasint,omitempty"`
	Tier        Tier      `json:"tier"                cbor:"4,keyasint,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"            cbor:"5,keyasint,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"           cbor:"6,keyasint,omitempty"`
	Used        bool      `json:"isUsed"              cbor:"7,keyasint,omitempty"`
	UsedAt      time.Time `json:"usedAt,omitempty"    cbor:"8,keyasint,omitempty"`
}

func (t *IssuedToken) String() string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(data)
}

// SpentToken is the Poll Orchestrator's record of a redeemed credential.
// It is keyed by token hash only; no voter identity ever reaches this side
// of the trust boundary.
type SpentToken struct {
	TokenHash HexBytes  `json:"tokenHash" cbor:"0,keyasint,omitempty"`
	PollID    string    `json:"pollId"    cbor:"1,keyasint,omitempty"`
	ExpiresAt time.Time `json:"expiresAt" cbor:"2,keyasint,omitempty"`
	UsedAt    time.Time `json:"usedAt"    cbor:"3,keyasint,omitempty"`
}

// PollPolicy is the IA-side eligibility policy for a poll.
type PollPolicy struct {
	PollID     string   `json:"pollId"               cbor:"0,keyasint,omitempty"`
	MinTier    Tier     `json:"minTier"              cbor:"1,keyasint,omitempty"`
	CensusRoot HexBytes `json:"censusRoot,omitempty" cbor:"2,keyasint,omitempty"`
}
