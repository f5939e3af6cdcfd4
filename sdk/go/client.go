package grantlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Grantline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// DecisionToken represents the API decision token model (partial).
type DecisionToken struct {
	ID                   string `json:"id"`
	EnterpriseID         string `json:"enterprise_id"`
	PartnerID            string `json:"partner_id,omitempty"`
	PolicySnapshotID     string `json:"policy_snapshot_id"`
	PolicySnapshotDigest string `json:"policy_snapshot_digest"`
	ToolName             string `json:"tool_name"`
	ToolVersion          string `json:"tool_version"`
	VendorName           string `json:"vendor_name"`
	Reusable             bool   `json:"reusable"`
	Status               string `json:"status"`
	IssuedAt             string `json:"issued_at"`
	ExpiresAt            string `json:"expires_at"`
	Signature            string `json:"signature"`
	TraceID              string `json:"trace_id,omitempty"`
}

// PartnerConfirmation represents a partner's signed acknowledgement.
type PartnerConfirmation struct {
	ID                    string `json:"id"`
	DTID                  string `json:"dt_id"`
	PartnerID             string `json:"partner_id"`
	ConfirmerUserID       string `json:"confirmer_user_id,omitempty"`
	ConfirmationStatement string `json:"confirmation_statement"`
	ConfirmedAt           string `json:"confirmed_at"`
	ExpiresAt             string `json:"expires_at"`
}

// ExecutionReceipt represents a signed execution record.
type ExecutionReceipt struct {
	ID                   string `json:"id"`
	DTID                 string `json:"dt_id"`
	PCID                 string `json:"pc_id,omitempty"`
	ExecutorType         string `json:"executor_type"`
	ExecutorID           string `json:"executor_id"`
	ExecutionStartedAt   string `json:"execution_started_at"`
	ExecutionCompletedAt string `json:"execution_completed_at"`
	OutcomeHash          string `json:"outcome_hash"`
	SubmittedAt          string `json:"submitted_at"`
}

// ProofChain composes a token with its confirmation and receipt.
type ProofChain struct {
	Token        DecisionToken        `json:"decision_token"`
	Confirmation *PartnerConfirmation `json:"partner_confirmation,omitempty"`
	Receipt      *ExecutionReceipt    `json:"execution_receipt,omitempty"`
	ChainStatus  string               `json:"chain_status"`
}

// TokenVerification is the result of verifying a decision token.
type TokenVerification struct {
	Valid  bool           `json:"valid"`
	Reason string         `json:"reason,omitempty"`
	Token  *DecisionToken `json:"decision_token,omitempty"`
}

// ReceiptVerification is the result of verifying an execution receipt.
type ReceiptVerification struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	ProofChainValid bool   `json:"proof_chain_valid"`
}

// BundleVerification is the result of re-verifying a proof bundle.
type BundleVerification struct {
	BundleID            string `json:"bundle_id"`
	Valid               bool   `json:"valid"`
	Reason              string `json:"reason,omitempty"`
	ContentHashValid    bool   `json:"content_hash_valid"`
	PolicyArtifactFound bool   `json:"policy_artifact_found"`
	ChainValid          bool   `json:"chain_valid"`
}

// Event represents a log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	EnterpriseID string `json:"enterprise_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// IssueTokenRequest carries the fields for issuing a decision token.
type IssueTokenRequest struct {
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
	ExpiryHours          int            `json:"expiry_hours,omitempty"`
	TraceID              string         `json:"trace_id,omitempty"`
}

// SubmitReceiptRequest carries the fields for submitting an execution receipt.
type SubmitReceiptRequest struct {
	DTID                 string         `json:"dt_id"`
	PCID                 string         `json:"pc_id,omitempty"`
	ExecutorType         string         `json:"executor_type"`
	ExecutorID           string         `json:"executor_id"`
	ExecutorUserID       string         `json:"executor_user_id,omitempty"`
	ExecutionStartedAt   string         `json:"execution_started_at"`
	ExecutionCompletedAt string         `json:"execution_completed_at,omitempty"`
	Outcome              map[string]any `json:"outcome,omitempty"`
	KeepTokenActive      bool           `json:"keep_token_active,omitempty"`
	TraceID              string         `json:"trace_id,omitempty"`
}

// IssueToken issues a decision token.
func (c *Client) IssueToken(ctx context.Context, req IssueTokenRequest) (DecisionToken, error) {
	var resp DecisionToken
	err := c.do(ctx, http.MethodPost, "v0/tokens", req, &resp)
	return resp, err
}

// GetToken fetches a decision token by id.
func (c *Client) GetToken(ctx context.Context, id string) (DecisionToken, error) {
	var resp DecisionToken
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tokens/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// VerifyToken checks a decision token's status, expiry and signature.
func (c *Client) VerifyToken(ctx context.Context, id string) (TokenVerification, error) {
	var resp TokenVerification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tokens/%s/verify", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// RevokeToken revokes an active decision token.
func (c *Client) RevokeToken(ctx context.Context, id, reason string) (DecisionToken, error) {
	var resp DecisionToken
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tokens/%s/revoke", url.PathEscape(id)), body, &resp)
	return resp, err
}

// ConsumeToken marks an active decision token consumed.
func (c *Client) ConsumeToken(ctx context.Context, id string) (DecisionToken, error) {
	var resp struct {
		Consumed bool          `json:"consumed"`
		Token    DecisionToken `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tokens/%s/consume", url.PathEscape(id)), nil, &resp)
	return resp.Token, err
}

// ProofChain returns the token's chain of custody.
func (c *Client) ProofChain(ctx context.Context, dtID string) (ProofChain, error) {
	var resp ProofChain
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tokens/%s/chain", url.PathEscape(dtID)), nil, &resp)
	return resp, err
}

// CreateConfirmation records a partner confirmation for a token.
func (c *Client) CreateConfirmation(ctx context.Context, dtID, partnerID, confirmerUserID, statement string, acceptedControls []string) (PartnerConfirmation, error) {
	body := map[string]any{
		"dt_id":                  dtID,
		"partner_id":             partnerID,
		"confirmer_user_id":      confirmerUserID,
		"confirmation_statement": statement,
		"accepted_controls":      acceptedControls,
	}
	var resp PartnerConfirmation
	err := c.do(ctx, http.MethodPost, "v0/confirmations", body, &resp)
	return resp, err
}

// SubmitReceipt records an execution receipt.
func (c *Client) SubmitReceipt(ctx context.Context, req SubmitReceiptRequest) (ExecutionReceipt, error) {
	var resp ExecutionReceipt
	err := c.do(ctx, http.MethodPost, "v0/receipts", req, &resp)
	return resp, err
}

// VerifyReceipt checks a receipt's attestation, outcome hash and chain.
func (c *Client) VerifyReceipt(ctx context.Context, id string) (ReceiptVerification, error) {
	var resp ReceiptVerification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/receipts/%s/verify", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// RegisterBundle registers a proof bundle for later re-verification.
func (c *Client) RegisterBundle(ctx context.Context, enterpriseID, dtID string, content map[string]any, policyDigest string) (map[string]any, error) {
	body := map[string]any{
		"enterprise_id":          enterpriseID,
		"dt_id":                  dtID,
		"content":                content,
		"policy_snapshot_digest": policyDigest,
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "v0/bundles", body, &resp)
	return resp, err
}

// VerifyBundle re-verifies a registered proof bundle.
func (c *Client) VerifyBundle(ctx context.Context, bundleID string) (BundleVerification, error) {
	var resp BundleVerification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/bundles/%s/verify", url.PathEscape(bundleID)), nil, &resp)
	return resp, err
}

// Report fetches the compliance report for a bundle as raw JSON.
func (c *Client) Report(ctx context.Context, bundleID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/bundles/%s/report", url.PathEscape(bundleID)), nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
