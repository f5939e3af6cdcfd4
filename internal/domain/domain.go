package domain

// Decision token statuses. Terminal states are expired, revoked and consumed;
// none of them is reachable from another.
const (
	TokenActive   = "active"
	TokenExpired  = "expired"
	TokenRevoked  = "revoked"
	TokenConsumed = "consumed"
)

// Executor types for execution receipts.
const (
	ExecutorEnterprise = "enterprise"
	ExecutorPartner    = "partner"
)

// Proof chain statuses, derived from which artifacts exist.
const (
	ChainEnterpriseRunPending = "enterprise_run_pending"
	ChainAwaitingConfirmation = "awaiting_confirmation"
	ChainAwaitingExecution    = "awaiting_execution"
	ChainComplete             = "complete"
)

type DecisionToken struct {
	ID                   string  `json:"id"`
	EnterpriseID         string  `json:"enterprise_id"`
	PartnerID            *string `json:"partner_id,omitempty"`
	PolicySnapshotID     string  `json:"policy_snapshot_id"`
	PolicySnapshotDigest string  `json:"policy_snapshot_digest"`
	ToolName             string  `json:"tool_name"`
	ToolVersion          string  `json:"tool_version"`
	VendorName           string  `json:"vendor_name"`
	UsageGrantJSON       *string `json:"usage_grant_json,omitempty"`
	DecisionJSON         *string `json:"decision_json,omitempty"`
	Reusable             bool    `json:"reusable"`
	Status               string  `json:"status" enum:"active,expired,revoked,consumed"`
	IssuedAt             string  `json:"issued_at" format:"date-time"`
	ExpiresAt            string  `json:"expires_at" format:"date-time"`
	RevokedAt            *string `json:"revoked_at,omitempty" format:"date-time"`
	RevocationReason     *string `json:"revocation_reason,omitempty"`
	Signature            string  `json:"signature"`
	SigningMethod        string  `json:"signing_method"`
	TraceID              string  `json:"trace_id,omitempty"`
}

type PartnerConfirmation struct {
	ID                    string  `json:"id"`
	DTID                  string  `json:"dt_id"`
	PartnerID             string  `json:"partner_id"`
	ConfirmerUserID       string  `json:"confirmer_user_id,omitempty"`
	ConfirmerRole         string  `json:"confirmer_role,omitempty"`
	ConfirmationStatement string  `json:"confirmation_statement"`
	AcceptedControlsJSON  *string `json:"accepted_controls_json,omitempty"`
	IPAddress             string  `json:"ip_address,omitempty"`
	UserAgent             string  `json:"user_agent,omitempty"`
	Signature             string  `json:"signature"`
	SigningMethod         string  `json:"signing_method"`
	ConfirmedAt           string  `json:"confirmed_at" format:"date-time"`
	ExpiresAt             string  `json:"expires_at" format:"date-time"`
	TraceID               string  `json:"trace_id,omitempty"`
}

type ExecutionReceipt struct {
	ID                   string  `json:"id"`
	DTID                 string  `json:"dt_id"`
	PCID                 *string `json:"pc_id,omitempty"`
	ExecutorType         string  `json:"executor_type" enum:"enterprise,partner"`
	ExecutorID           string  `json:"executor_id"`
	ExecutorUserID       string  `json:"executor_user_id,omitempty"`
	ExecutionStartedAt   string  `json:"execution_started_at" format:"date-time"`
	ExecutionCompletedAt string  `json:"execution_completed_at" format:"date-time"`
	ExecutionDurationMs  int64   `json:"execution_duration_ms"`
	OutcomeJSON          string  `json:"outcome_json"`
	OutcomeHash          string  `json:"outcome_hash"`
	Attestation          string  `json:"attestation"`
	SigningMethod        string  `json:"signing_method"`
	SubmittedAt          string  `json:"submitted_at" format:"date-time"`
	TraceID              string  `json:"trace_id,omitempty"`
}

// ProofChain is the read-time composition of one decision token with its
// optional confirmation and receipt. It is never stored.
type ProofChain struct {
	Token        DecisionToken        `json:"decision_token"`
	Confirmation *PartnerConfirmation `json:"partner_confirmation,omitempty"`
	Receipt      *ExecutionReceipt    `json:"execution_receipt,omitempty"`
	ChainStatus  string               `json:"chain_status" enum:"enterprise_run_pending,awaiting_confirmation,awaiting_execution,complete"`
}

// ProofBundle is an externally produced evidence snapshot registered with the
// service so its content hash and policy binding can be re-verified later.
type ProofBundle struct {
	ID                   string  `json:"id"`
	EnterpriseID         string  `json:"enterprise_id"`
	DTID                 *string `json:"dt_id,omitempty"`
	ContentJSON          string  `json:"content_json"`
	ContentHash          string  `json:"content_hash"`
	PolicySnapshotDigest string  `json:"policy_snapshot_digest"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type PolicyArtifact struct {
	SnapshotID   string `json:"snapshot_id"`
	Digest       string `json:"digest"`
	EnterpriseID string `json:"enterprise_id,omitempty"`
	ContentJSON  string `json:"content_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	EnterpriseID string `json:"enterprise_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
