package api

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"

	// Identity Authority endpoints.
	//
	// ChallengeEndpoint starts a credential issuance: the IA checks
	// eligibility and returns the blinding context.
	ChallengeEndpoint = "/ia/challenge"
	// SignEndpoint evaluates a blinded element and returns the result with
	// its DLEQ proof.
	SignEndpoint = "/ia/sign"
	// KeyEndpoint returns the IA's public key.
	KeyEndpoint = "/ia/key"
	// PoliciesEndpoint manages poll eligibility policies.
	PoliciesEndpoint = "/ia/polls"
	// CensusEndpoint manages the eligibility roster.
	CensusEndpoint = "/ia/census"

	// Poll Orchestrator endpoints.
	//
	// VotesEndpoint is the endpoint for submitting a vote.
	VotesEndpoint = "/po/votes"
	// PollsEndpoint is the endpoint for creating polls.
	PollsEndpoint = "/po/polls"
	// PollURLParam is the URL parameter carrying the poll ID.
	PollURLParam = "pollId"
	// PollEndpoint returns a single poll definition.
	PollEndpoint = "/po/polls/{" + PollURLParam + "}"
	// TallyEndpoint returns the tally for the latest sealed root.
	TallyEndpoint = "/po/polls/{" + PollURLParam + "}/tally"
	// SealEndpoint seals the current ledger state into a published root.
	SealEndpoint = "/po/polls/{" + PollURLParam + "}/seal"
	// ProofEndpoint returns an inclusion proof for a ledger leaf.
	ProofEndpoint = "/po/polls/{" + PollURLParam + "}/proof"

	// Flat forms of the poll subroutes, carrying the poll ID as the pollId
	// query or body field instead of a path segment.
	//
	// VoteEndpoint is the flat form of VotesEndpoint.
	VoteEndpoint = "/po/vote"
	// TallyFlatEndpoint is the flat form of TallyEndpoint.
	TallyFlatEndpoint = "/po/tally"
	// ProofFlatEndpoint is the flat form of ProofEndpoint.
	ProofFlatEndpoint = "/po/proof"
	// SealFlatEndpoint is the flat form of SealEndpoint.
	SealFlatEndpoint = "/po/seal"
)
