package server

import "grantline/internal/domain"

type IssueTokenRequest struct {
	ID                   string         `json:"id,omitempty"`
	EnterpriseID         string         `json:"enterprise_id"`
	PartnerID            string         `json:"partner_id,omitempty"`
	PolicySnapshotID     string         `json:"policy_snapshot_id"`
	PolicySnapshotDigest string         `json:"policy_snapshot_digest"`
	ToolName             string         `json:"tool_name"`
	ToolVersion          string         `json:"tool_version"`
	VendorName           string         `json:"vendor_name"`
	UsageGrant           map[string]any `json:"usage_grant,omitempty"`
	Decision             map[string]any `json:"decision,omitempty"`
	Reusable             bool           `json:"reusable,omitempty"`
	ExpiryHours          int            `json:"expiry_hours,omitempty" minimum:"0"`
	TraceID              string         `json:"trace_id,omitempty"`
}

type RevokeTokenRequest struct {
	Reason string `json:"reason"`
}

type ConsumeTokenResponse struct {
	Consumed bool                 `json:"consumed"`
	Token    domain.DecisionToken `json:"token"`
}

type CreateConfirmationRequest struct {
	ID                    string   `json:"id,omitempty"`
	DTID                  string   `json:"dt_id"`
	PartnerID             string   `json:"partner_id"`
	ConfirmerUserID       string   `json:"confirmer_user_id"`
	ConfirmerRole         string   `json:"confirmer_role,omitempty"`
	ConfirmationStatement string   `json:"confirmation_statement"`
	AcceptedControls      []string `json:"accepted_controls,omitempty"`
	TraceID               string   `json:"trace_id,omitempty"`
}

type SubmitReceiptRequest struct {
	ID                   string         `json:"id,omitempty"`
	DTID                 string         `json:"dt_id"`
	PCID                 string         `json:"pc_id,omitempty"`
	ExecutorType         string         `json:"executor_type" enum:"enterprise,partner"`
	ExecutorID           string         `json:"executor_id"`
	ExecutorUserID       string         `json:"executor_user_id,omitempty"`
	ExecutionStartedAt   string         `json:"execution_started_at" format:"date-time"`
	ExecutionCompletedAt string         `json:"execution_completed_at,omitempty" format:"date-time"`
	Outcome              map[string]any `json:"outcome,omitempty"`
	KeepTokenActive      bool           `json:"keep_token_active,omitempty"`
	TraceID              string         `json:"trace_id,omitempty"`
}

type RegisterBundleRequest struct {
	ID                   string         `json:"id,omitempty"`
	EnterpriseID         string         `json:"enterprise_id"`
	DTID                 string         `json:"dt_id,omitempty"`
	Content              map[string]any `json:"content"`
	PolicySnapshotDigest string         `json:"policy_snapshot_digest"`
}

type RegisterPolicyArtifactRequest struct {
	SnapshotID   string         `json:"snapshot_id"`
	EnterpriseID string         `json:"enterprise_id,omitempty"`
	Content      map[string]any `json:"content"`
}

type paginatedTokens struct {
	Items      []domain.DecisionToken `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	Key    string        `json:"key"`
	APIKey domain.APIKey `json:"api_key"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
