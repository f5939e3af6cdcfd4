package engine

import (
	"encoding/json"

	"grantline/internal/domain"
	"grantline/internal/signing"
)

// Signing payloads cover every influential field of an artifact and nothing
// derived from it (no id, no status, no signature). Canonical encoding makes
// the byte stream independent of field order in stored JSON.

func tokenSigningPayload(t domain.DecisionToken) map[string]any {
	return map[string]any{
		"enterprise_id":          t.EnterpriseID,
		"partner_id":             stringPtrValue(t.PartnerID),
		"policy_snapshot_id":     t.PolicySnapshotID,
		"policy_snapshot_digest": t.PolicySnapshotDigest,
		"tool_name":              t.ToolName,
		"tool_version":           t.ToolVersion,
		"vendor_name":            t.VendorName,
		"usage_grant":            decodeJSONPtr(t.UsageGrantJSON),
		"decision":               decodeJSONPtr(t.DecisionJSON),
		"reusable":               t.Reusable,
		"issued_at":              t.IssuedAt,
		"expires_at":             t.ExpiresAt,
		"trace_id":               t.TraceID,
	}
}

func confirmationSigningPayload(c domain.PartnerConfirmation) map[string]any {
	return map[string]any{
		"dt_id":                  c.DTID,
		"partner_id":             c.PartnerID,
		"confirmer_user_id":      c.ConfirmerUserID,
		"confirmer_role":         c.ConfirmerRole,
		"confirmation_statement": c.ConfirmationStatement,
		"accepted_controls":      decodeJSONPtr(c.AcceptedControlsJSON),
		"confirmed_at":           c.ConfirmedAt,
		"expires_at":             c.ExpiresAt,
		"trace_id":               c.TraceID,
	}
}

// Receipt attestations sign the outcome hash, not the raw outcome, so the
// outcome document can be large without bloating the signed payload.
func receiptSigningPayload(r domain.ExecutionReceipt) map[string]any {
	return map[string]any{
		"dt_id":                  r.DTID,
		"pc_id":                  stringPtrValue(r.PCID),
		"executor_type":          r.ExecutorType,
		"executor_id":            r.ExecutorID,
		"executor_user_id":       r.ExecutorUserID,
		"execution_started_at":   r.ExecutionStartedAt,
		"execution_completed_at": r.ExecutionCompletedAt,
		"execution_duration_ms":  r.ExecutionDurationMs,
		"outcome_hash":           r.OutcomeHash,
		"trace_id":               r.TraceID,
	}
}

func verifyTokenSignature(reg *signing.Registry, t domain.DecisionToken) error {
	signer, err := reg.For(t.SigningMethod)
	if err != nil {
		return err
	}
	payload, err := signing.Canonicalize(tokenSigningPayload(t))
	if err != nil {
		return err
	}
	return signer.Verify(payload, t.Signature)
}

func verifyConfirmationSignature(reg *signing.Registry, c domain.PartnerConfirmation) error {
	signer, err := reg.For(c.SigningMethod)
	if err != nil {
		return err
	}
	payload, err := signing.Canonicalize(confirmationSigningPayload(c))
	if err != nil {
		return err
	}
	return signer.Verify(payload, c.Signature)
}

func verifyReceiptAttestation(reg *signing.Registry, r domain.ExecutionReceipt) error {
	signer, err := reg.For(r.SigningMethod)
	if err != nil {
		return err
	}
	payload, err := signing.Canonicalize(receiptSigningPayload(r))
	if err != nil {
		return err
	}
	return signer.Verify(payload, r.Attestation)
}

func stringPtrValue(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// decodeJSONPtr turns a stored JSON column back into a value so canonical
// encoding orders its keys. A column that does not parse is signed as the
// raw string rather than dropped.
func decodeJSONPtr(p *string) any {
	if p == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(*p), &v); err != nil {
		return *p
	}
	return v
}

func encodeJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}
