package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/repo"
	"grantline/internal/signing"
)

// TokenService issues and governs decision tokens. Every mutation is written
// together with its audit event in one transaction.
type TokenService struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Signers *signing.Registry
	Config  *config.Config
	Now     func() time.Time
	Logger  *log.Logger
}

func NewTokenService(db *sql.DB, cfg *config.Config, signers *signing.Registry) TokenService {
	return TokenService{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Signers: signers,
		Config:  cfg,
		Now:     time.Now,
		Logger:  log.Default(),
	}
}

func (s TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s TokenService) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// IssueOptions are parameters for issuing a decision token.
type IssueOptions struct {
	ID                   string
	EnterpriseID         string
	PartnerID            string
	PolicySnapshotID     string
	PolicySnapshotDigest string
	ToolName             string
	ToolVersion          string
	VendorName           string
	UsageGrant           map[string]any
	Decision             map[string]any
	Reusable             bool
	ExpiryHours          int
	TraceID              string
	ActorID              string
}

// Issue validates, signs and persists a new decision token.
func (s TokenService) Issue(ctx context.Context, opts IssueOptions) (domain.DecisionToken, error) {
	required := []struct{ name, value string }{
		{"enterprise_id", opts.EnterpriseID},
		{"policy_snapshot_id", opts.PolicySnapshotID},
		{"policy_snapshot_digest", opts.PolicySnapshotDigest},
		{"tool_name", opts.ToolName},
		{"tool_version", opts.ToolVersion},
		{"vendor_name", opts.VendorName},
	}
	for _, f := range required {
		if f.value == "" {
			return domain.DecisionToken{}, validationErrorf("%s is required", f.name)
		}
	}
	if opts.ExpiryHours < 0 {
		return domain.DecisionToken{}, validationErrorf("expiry_hours must be positive")
	}

	expiryHours := opts.ExpiryHours
	if expiryHours == 0 {
		expiryHours = s.Config.DefaultExpiryHours()
	}
	now := s.now().UTC()

	t := domain.DecisionToken{
		ID:                   opts.ID,
		EnterpriseID:         opts.EnterpriseID,
		PolicySnapshotID:     opts.PolicySnapshotID,
		PolicySnapshotDigest: opts.PolicySnapshotDigest,
		ToolName:             opts.ToolName,
		ToolVersion:          opts.ToolVersion,
		VendorName:           opts.VendorName,
		Reusable:             opts.Reusable,
		Status:               domain.TokenActive,
		IssuedAt:             now.Format(time.RFC3339),
		ExpiresAt:            now.Add(time.Duration(expiryHours) * time.Hour).Format(time.RFC3339),
		TraceID:              opts.TraceID,
	}
	if t.ID == "" {
		t.ID = "dt-" + uuid.NewString()
	}
	if t.TraceID == "" {
		t.TraceID = uuid.NewString()
	}
	if opts.PartnerID != "" {
		t.PartnerID = &opts.PartnerID
	}
	var err error
	if t.UsageGrantJSON, err = encodeJSON(opts.UsageGrant); err != nil {
		return domain.DecisionToken{}, fmt.Errorf("encode usage grant: %w", err)
	}
	if t.DecisionJSON, err = encodeJSON(opts.Decision); err != nil {
		return domain.DecisionToken{}, fmt.Errorf("encode decision: %w", err)
	}

	signer := s.Signers.Default()
	payload, err := signing.Canonicalize(tokenSigningPayload(t))
	if err != nil {
		return domain.DecisionToken{}, fmt.Errorf("canonicalize token payload: %w", err)
	}
	if t.Signature, err = signer.Sign(payload); err != nil {
		return domain.DecisionToken{}, fmt.Errorf("sign token: %w", err)
	}
	t.SigningMethod = signer.Method()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DecisionToken{}, err
	}
	defer tx.Rollback()

	if err := s.Repo.InsertToken(ctx, tx, t); err != nil {
		return domain.DecisionToken{}, fmt.Errorf("insert token: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "token.issued", t.EnterpriseID, "decision_token", t.ID, opts.ActorID, events.EventPayload{
		"tool_name":    t.ToolName,
		"tool_version": t.ToolVersion,
		"partner_id":   stringPtrValue(t.PartnerID),
		"expires_at":   t.ExpiresAt,
	}); err != nil {
		return domain.DecisionToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DecisionToken{}, err
	}
	return t, nil
}

// TokenVerification is the outcome of checking a decision token. When the
// token was found, Token carries its current record regardless of validity.
type TokenVerification struct {
	Valid  bool                  `json:"valid"`
	Reason string                `json:"reason,omitempty"`
	Token  *domain.DecisionToken `json:"token,omitempty"`
}

// Verify checks that a decision token exists, is active, has not passed its
// expiry and still matches its signature. A token found past its expiry is
// transitioned to expired as a side effect, so verification reads are what
// move overdue tokens along.
func (s TokenService) Verify(ctx context.Context, id string) (TokenVerification, error) {
	t, err := s.Repo.GetToken(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return TokenVerification{Valid: false, Reason: "not found"}, nil
	}
	if err != nil {
		return TokenVerification{}, err
	}
	if t.Status != domain.TokenActive {
		return TokenVerification{Valid: false, Reason: t.Status, Token: &t}, nil
	}

	expiresAt, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return TokenVerification{}, fmt.Errorf("parse expires_at for %s: %w", t.ID, err)
	}
	if s.now().UTC().After(expiresAt) {
		if err := s.markExpired(ctx, t); err != nil {
			return TokenVerification{}, err
		}
		t.Status = domain.TokenExpired
		return TokenVerification{Valid: false, Reason: domain.TokenExpired, Token: &t}, nil
	}

	if err := verifyTokenSignature(s.Signers, t); err != nil {
		if errors.Is(err, signing.ErrSignatureMismatch) {
			s.logf("SECURITY: decision token %s failed signature verification", t.ID)
			s.recordInvalidSignature(ctx, t.EnterpriseID, "decision_token", t.ID)
			return TokenVerification{Valid: false, Reason: "signature verification failed", Token: &t}, nil
		}
		return TokenVerification{}, err
	}
	return TokenVerification{Valid: true, Token: &t}, nil
}

func (s TokenService) markExpired(ctx context.Context, t domain.DecisionToken) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	won, err := s.Repo.TransitionTokenStatus(ctx, tx, t.ID, domain.TokenActive, domain.TokenExpired)
	if err != nil {
		return err
	}
	if !won {
		// someone else already moved it; nothing to record
		return nil
	}
	if err := s.Events.Append(ctx, tx, "token.expired", t.EnterpriseID, "decision_token", t.ID, "system", events.EventPayload{
		"expires_at": t.ExpiresAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordInvalidSignature appends the security audit event outside the read
// path's result. Failure to record is logged, not raised.
func (s TokenService) recordInvalidSignature(ctx context.Context, enterpriseID, entityKind, entityID string) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		s.logf("record signature.invalid for %s %s: %v", entityKind, entityID, err)
		return
	}
	defer tx.Rollback()
	if err := s.Events.Append(ctx, tx, "signature.invalid", enterpriseID, entityKind, entityID, "system", nil); err != nil {
		s.logf("record signature.invalid for %s %s: %v", entityKind, entityID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.logf("record signature.invalid for %s %s: %v", entityKind, entityID, err)
	}
}

// Get returns a token without any validity checks.
func (s TokenService) Get(ctx context.Context, id string) (domain.DecisionToken, error) {
	return s.Repo.GetToken(ctx, id)
}

// Revoke moves an active token to revoked. Revoking a token in any other
// state reports the state it is actually in.
func (s TokenService) Revoke(ctx context.Context, id, reason, actorID string) (domain.DecisionToken, error) {
	if reason == "" {
		return domain.DecisionToken{}, validationErrorf("revocation reason is required")
	}
	t, err := s.Repo.GetToken(ctx, id)
	if err != nil {
		return domain.DecisionToken{}, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DecisionToken{}, err
	}
	defer tx.Rollback()

	revokedAt := s.now().UTC().Format(time.RFC3339)
	won, err := s.Repo.RevokeToken(ctx, tx, id, reason, revokedAt)
	if err != nil {
		return domain.DecisionToken{}, err
	}
	if !won {
		current, err := s.Repo.GetToken(ctx, id)
		if err != nil {
			return domain.DecisionToken{}, err
		}
		return domain.DecisionToken{}, StateConflictError{ID: id, Attempted: "revoke", Current: current.Status}
	}
	if err := s.Events.Append(ctx, tx, "token.revoked", t.EnterpriseID, "decision_token", t.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.DecisionToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DecisionToken{}, err
	}

	t.Status = domain.TokenRevoked
	t.RevokedAt = &revokedAt
	t.RevocationReason = &reason
	return t, nil
}

// Consume moves an active token to consumed. It reports false without error
// when the token was not active, so concurrent consumers race safely and
// exactly one wins.
func (s TokenService) Consume(ctx context.Context, id, actorID string) (bool, error) {
	t, err := s.Repo.GetToken(ctx, id)
	if err != nil {
		return false, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	won, err := s.Repo.TransitionTokenStatus(ctx, tx, id, domain.TokenActive, domain.TokenConsumed)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	if err := s.Events.Append(ctx, tx, "token.consumed", t.EnterpriseID, "decision_token", t.ID, actorID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// List returns tokens matching the filters, newest first.
func (s TokenService) List(ctx context.Context, filters repo.TokenFilters) ([]domain.DecisionToken, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}
	return s.Repo.ListTokens(ctx, filters)
}
