package types

import "fmt"

// Tier is an eligibility verification level assigned to a voter by the
// Identity Authority's verification pipeline.
type Tier string

const (
	// TierHuman is basic human-presence verification.
	TierHuman Tier = "T0"
	// TierPasskey is WebAuthn/passkey possession.
	TierPasskey Tier = "T1"
	// TierPersonhood is unique-personhood verification.
	TierPersonhood Tier = "T2"
	// TierResidency is citizenship/residency verification.
	TierResidency Tier = "T3"
)

// Level returns the ordinal rank of the tier, or -1 if unknown.
func (t Tier) Level() int {
	switch t {
	case TierHuman:
		return 0
	case TierPasskey:
		return 1
	case TierPersonhood:
		return 2
	case TierResidency:
		return 3
	}
	return -1
}

// Valid reports whether the tier is one of the supported levels.
func (t Tier) Valid() bool { return t.Level() >= 0 }

// Weight returns the vote weight attached to the tier. Stronger
// verification earns a larger weight in the weighted tally; unknown tiers
// weigh as the base tier.
func (t Tier) Weight() float64 {
	switch t {
	case TierPasskey:
		return 2.0
	case TierPersonhood:
		return 5.0
	case TierResidency:
		return 10.0
	}
	return 1.0
}

// AtLeast reports whether the tier meets the given minimum.
func (t Tier) AtLeast(min Tier) bool {
	return t.Valid() && min.Valid() && t.Level() >= min.Level()
}

// PollScope returns the canonical scope string for a poll. Credentials are
// bound to a scope so they cannot be replayed across polls.
func PollScope(pollID string) string {
	return fmt.Sprintf("poll:%s", pollID)
}

const (
	// DefaultTokenTTL is the default credential lifetime.
	DefaultTokenTTLHours = 24
	// CensusTreeMaxLevels is the depth of the eligibility census trees.
	CensusTreeMaxLevels = 160
)
