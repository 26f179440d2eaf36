package domain

// JobStatus is the lifecycle state of a job. Transitions are linear:
// open -> accepted -> completed. There is no failure state; a rejected
// delivery simply leaves the job accepted and retryable.
type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobAccepted  JobStatus = "accepted"
	JobCompleted JobStatus = "completed"
)

type Job struct {
	ID                     int64     `json:"id"`
	Description            string    `json:"description"`
	AcceptanceCriteria     string    `json:"acceptance_criteria"`
	Status                 JobStatus `json:"status" enum:"open,accepted,completed"`
	TopicRef               string    `json:"topic_ref"`
	SponsorFeedbackAuth    string    `json:"sponsor_feedback_auth"`
	FreelancerAddress      *string   `json:"freelancer_address,omitempty"`
	FreelancerFeedbackAuth *string   `json:"freelancer_feedback_auth,omitempty"`
	CreatedAt              string    `json:"created_at" format:"date-time"`
	UpdatedAt              string    `json:"updated_at" format:"date-time"`
}

// FeedbackAuthorization grants a counterparty the right to submit exactly one
// reputation feedback entry, identified by Index. Index strictly increases per
// (AgentID, ClientAddress) pair.
type FeedbackAuthorization struct {
	AgentID          int64  `json:"agent_id"`
	ClientAddress    string `json:"client_address"`
	Index            int64  `json:"index"`
	Expiry           int64  `json:"expiry"`
	ChainID          int64  `json:"chain_id"`
	RecipientAddress string `json:"recipient_address"`
}

// Feedback is a redeemed reputation entry as recorded on the ledger.
type Feedback struct {
	AgentID       int64  `json:"agent_id"`
	ClientAddress string `json:"client_address"`
	Index         int64  `json:"index"`
	Score         int    `json:"score"`
	Tag1          string `json:"tag1,omitempty"`
	Tag2          string `json:"tag2,omitempty"`
	TxHash        string `json:"tx_hash"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// AgentIdentity is an on-ledger registered actor: a numeric id bound to a
// metadata URI that resolves (through the audit log) to an AgentCard.
type AgentIdentity struct {
	AgentID      int64  `json:"agent_id"`
	MetadataURI  string `json:"metadata_uri"`
	OwnerAddress string `json:"owner_address"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// AgentCard describes an actor's capabilities. Published once per actor to
// the shared agents topic; the identity registry stores only its URI.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	ProtocolVersion    string            `json:"protocolVersion"`
	Version            string            `json:"version"`
	URL                string            `json:"url"`
	Skills             []AgentSkill      `json:"skills"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Capabilities       AgentCapabilities `json:"capabilities"`
}

type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}
