package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ComplianceReport packages a bundle verification into the answers an
// external reviewer actually asks for.
type ComplianceReport struct {
	BundleID     string             `json:"bundleId"`
	GeneratedAt  string             `json:"generatedAt" format:"date-time"`
	Verification BundleVerification `json:"verification"`
	Tool         ReportTool         `json:"tool"`
	Policy       ReportPolicy       `json:"policy"`
	Boundary     ReportBoundary     `json:"boundary"`
	AuditTrail   ReportAuditTrail   `json:"auditTrail"`
	Answers      ReportAnswers      `json:"answers"`
	Rendered     string             `json:"rendered"`
}

type ReportTool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Vendor  string `json:"vendor"`
}

type ReportPolicy struct {
	SnapshotID string `json:"snapshotId,omitempty"`
	Digest     string `json:"digest"`
	OnRecord   bool   `json:"onRecord"`
}

type ReportBoundary struct {
	ChainStatus     string `json:"chainStatus,omitempty"`
	TokenStatus     string `json:"tokenStatus,omitempty"`
	HasConfirmation bool   `json:"hasConfirmation"`
	HasReceipt      bool   `json:"hasReceipt"`
}

type ReportAuditTrail struct {
	TokenEvents        int `json:"tokenEvents"`
	ConfirmationEvents int `json:"confirmationEvents"`
	ReceiptEvents      int `json:"receiptEvents"`
	BundleEvents       int `json:"bundleEvents"`
}

// ReportAnswers are the four questions a regulator asks about produced
// content, answered in plain language.
type ReportAnswers struct {
	WhichTool    string `json:"whichTool"`
	WhichVersion string `json:"whichVersion"`
	WhichPolicy  string `json:"whichPolicy"`
	WhatProof    string `json:"whatProof"`
}

// GenerateReport runs a full bundle verification and folds the result into a
// compliance report.
func (s VerifyService) GenerateReport(ctx context.Context, bundleID string) (ComplianceReport, error) {
	b, err := s.Repo.GetBundle(ctx, bundleID)
	if err != nil {
		return ComplianceReport{}, err
	}
	verification, err := s.VerifyBundle(ctx, bundleID)
	if err != nil {
		return ComplianceReport{}, err
	}

	report := ComplianceReport{
		BundleID:     b.ID,
		GeneratedAt:  s.now().UTC().Format(time.RFC3339),
		Verification: verification,
		Policy: ReportPolicy{
			Digest:   b.PolicySnapshotDigest,
			OnRecord: verification.PolicyArtifactFound,
		},
	}
	if p, err := s.Repo.GetPolicyArtifactByDigest(ctx, b.PolicySnapshotDigest); err == nil {
		report.Policy.SnapshotID = p.SnapshotID
	}

	if verification.Chain != nil {
		t := verification.Chain.Token
		report.Tool = ReportTool{Name: t.ToolName, Version: t.ToolVersion, Vendor: t.VendorName}
		report.Policy.SnapshotID = t.PolicySnapshotID
		report.Boundary = ReportBoundary{
			ChainStatus:     verification.Chain.ChainStatus,
			TokenStatus:     t.Status,
			HasConfirmation: verification.Chain.Confirmation != nil,
			HasReceipt:      verification.Chain.Receipt != nil,
		}
		report.AuditTrail.TokenEvents, err = s.Repo.CountEventsForEntity(ctx, "decision_token", t.ID)
		if err != nil {
			return ComplianceReport{}, err
		}
		if verification.Chain.Confirmation != nil {
			report.AuditTrail.ConfirmationEvents, err = s.Repo.CountEventsForEntity(ctx, "partner_confirmation", verification.Chain.Confirmation.ID)
			if err != nil {
				return ComplianceReport{}, err
			}
		}
		if verification.Chain.Receipt != nil {
			report.AuditTrail.ReceiptEvents, err = s.Repo.CountEventsForEntity(ctx, "execution_receipt", verification.Chain.Receipt.ID)
			if err != nil {
				return ComplianceReport{}, err
			}
		}
	} else {
		// no linked token; fall back to whatever the bundle content declares
		var content map[string]any
		if json.Unmarshal([]byte(b.ContentJSON), &content) == nil {
			report.Tool = ReportTool{
				Name:    stringField(content, "tool_name"),
				Version: stringField(content, "tool_version"),
				Vendor:  stringField(content, "vendor_name"),
			}
		}
	}
	report.AuditTrail.BundleEvents, err = s.Repo.CountEventsForEntity(ctx, "proof_bundle", b.ID)
	if err != nil {
		return ComplianceReport{}, err
	}

	report.Answers = buildAnswers(report, verification)
	report.Rendered = renderReport(report)
	return report, nil
}

func renderReport(r ComplianceReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compliance report for %s (generated %s)\n", r.BundleID, r.GeneratedAt)
	verdict := "FAILED"
	if r.Verification.Valid {
		verdict = "passed"
	}
	fmt.Fprintf(&b, "Verification: %s", verdict)
	if !r.Verification.Valid && r.Verification.Reason != "" {
		fmt.Fprintf(&b, " (%s)", r.Verification.Reason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Which tool?          %s\n", r.Answers.WhichTool)
	fmt.Fprintf(&b, "Which version?       %s\n", r.Answers.WhichVersion)
	fmt.Fprintf(&b, "Under which policy?  %s\n", r.Answers.WhichPolicy)
	fmt.Fprintf(&b, "With what proof?     %s\n", r.Answers.WhatProof)
	fmt.Fprintf(&b, "Audit events: token=%d confirmation=%d receipt=%d bundle=%d\n",
		r.AuditTrail.TokenEvents, r.AuditTrail.ConfirmationEvents,
		r.AuditTrail.ReceiptEvents, r.AuditTrail.BundleEvents)
	return b.String()
}

func buildAnswers(r ComplianceReport, v BundleVerification) ReportAnswers {
	a := ReportAnswers{
		WhichTool:    "unknown",
		WhichVersion: "unknown",
	}
	if r.Tool.Name != "" {
		a.WhichTool = r.Tool.Name
		if r.Tool.Vendor != "" {
			a.WhichTool = fmt.Sprintf("%s (%s)", r.Tool.Name, r.Tool.Vendor)
		}
	}
	if r.Tool.Version != "" {
		a.WhichVersion = r.Tool.Version
	}

	switch {
	case r.Policy.OnRecord && r.Policy.SnapshotID != "":
		a.WhichPolicy = fmt.Sprintf("policy snapshot %s (digest %s), on record", r.Policy.SnapshotID, r.Policy.Digest)
	case r.Policy.OnRecord:
		a.WhichPolicy = fmt.Sprintf("policy digest %s, on record", r.Policy.Digest)
	default:
		a.WhichPolicy = fmt.Sprintf("policy digest %s, no matching snapshot on record", r.Policy.Digest)
	}

	switch {
	case v.Valid && r.Boundary.HasReceipt:
		a.WhatProof = "content hash, policy binding and full execution chain verified"
	case v.Valid:
		a.WhatProof = "content hash and policy binding verified"
	default:
		a.WhatProof = "verification failed: " + v.Reason
	}
	return a
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
