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

// TokenVerifier is the slice of TokenService the confirmation flow needs.
type TokenVerifier interface {
	Verify(ctx context.Context, id string) (TokenVerification, error)
}

// ConfirmationService records partner confirmations against decision tokens.
type ConfirmationService struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Signers *signing.Registry
	Config  *config.Config
	Tokens  TokenVerifier
	Now     func() time.Time
	Logger  *log.Logger
}

func NewConfirmationService(db *sql.DB, cfg *config.Config, signers *signing.Registry, tokens TokenVerifier) ConfirmationService {
	return ConfirmationService{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Signers: signers,
		Config:  cfg,
		Tokens:  tokens,
		Now:     time.Now,
		Logger:  log.Default(),
	}
}

func (s ConfirmationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s ConfirmationService) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// ConfirmationOptions are parameters for recording a partner confirmation.
type ConfirmationOptions struct {
	ID                    string
	DTID                  string
	PartnerID             string
	ConfirmerUserID       string
	ConfirmerRole         string
	ConfirmationStatement string
	AcceptedControls      []string
	IPAddress             string
	UserAgent             string
	TraceID               string
	ActorID               string
}

// Create records a confirmation for a decision token. At most one
// confirmation exists per (token, partner) pair; repeated calls return the
// one already on record instead of failing.
func (s ConfirmationService) Create(ctx context.Context, opts ConfirmationOptions) (domain.PartnerConfirmation, error) {
	required := []struct{ name, value string }{
		{"dt_id", opts.DTID},
		{"partner_id", opts.PartnerID},
		{"confirmer_user_id", opts.ConfirmerUserID},
		{"confirmation_statement", opts.ConfirmationStatement},
	}
	for _, f := range required {
		if f.value == "" {
			return domain.PartnerConfirmation{}, validationErrorf("%s is required", f.name)
		}
	}

	res, err := s.Tokens.Verify(ctx, opts.DTID)
	if err != nil {
		return domain.PartnerConfirmation{}, err
	}
	if !res.Valid {
		return domain.PartnerConfirmation{}, validationErrorf("decision token %s is not confirmable: %s", opts.DTID, res.Reason)
	}
	token := *res.Token
	if token.PartnerID != nil && *token.PartnerID != opts.PartnerID {
		return domain.PartnerConfirmation{}, ForbiddenError{Msg: fmt.Sprintf("decision token %s names a different partner", opts.DTID)}
	}

	existing, err := s.Repo.GetConfirmationForToken(ctx, opts.DTID, opts.PartnerID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PartnerConfirmation{}, err
	}

	c := domain.PartnerConfirmation{
		ID:                    opts.ID,
		DTID:                  opts.DTID,
		PartnerID:             opts.PartnerID,
		ConfirmerUserID:       opts.ConfirmerUserID,
		ConfirmerRole:         opts.ConfirmerRole,
		ConfirmationStatement: opts.ConfirmationStatement,
		IPAddress:             opts.IPAddress,
		UserAgent:             opts.UserAgent,
		ConfirmedAt:           s.now().UTC().Format(time.RFC3339),
		ExpiresAt:             token.ExpiresAt,
		TraceID:               opts.TraceID,
	}
	if c.ID == "" {
		c.ID = "pc-" + uuid.NewString()
	}
	if c.TraceID == "" {
		c.TraceID = token.TraceID
	}
	if len(opts.AcceptedControls) > 0 {
		if c.AcceptedControlsJSON, err = encodeJSON(opts.AcceptedControls); err != nil {
			return domain.PartnerConfirmation{}, fmt.Errorf("encode accepted controls: %w", err)
		}
	}

	signer := s.Signers.Default()
	payload, err := signing.Canonicalize(confirmationSigningPayload(c))
	if err != nil {
		return domain.PartnerConfirmation{}, fmt.Errorf("canonicalize confirmation payload: %w", err)
	}
	if c.Signature, err = signer.Sign(payload); err != nil {
		return domain.PartnerConfirmation{}, fmt.Errorf("sign confirmation: %w", err)
	}
	c.SigningMethod = signer.Method()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PartnerConfirmation{}, err
	}
	defer tx.Rollback()

	if err := s.Repo.InsertConfirmation(ctx, tx, c); err != nil {
		// a concurrent call may have landed first; the unique index on
		// (dt_id, partner_id) makes one of us lose the insert
		if winner, getErr := s.Repo.GetConfirmationForToken(ctx, opts.DTID, opts.PartnerID); getErr == nil {
			return winner, nil
		}
		return domain.PartnerConfirmation{}, fmt.Errorf("insert confirmation: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "confirmation.created", token.EnterpriseID, "partner_confirmation", c.ID, opts.ActorID, events.EventPayload{
		"dt_id":      c.DTID,
		"partner_id": c.PartnerID,
	}); err != nil {
		return domain.PartnerConfirmation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PartnerConfirmation{}, err
	}
	return c, nil
}

// ConfirmationVerification is the outcome of checking a partner confirmation.
type ConfirmationVerification struct {
	Valid        bool                        `json:"valid"`
	Reason       string                      `json:"reason,omitempty"`
	Confirmation *domain.PartnerConfirmation `json:"confirmation,omitempty"`
	TokenResult  *TokenVerification          `json:"tokenResult,omitempty"`
}

// Verify checks a confirmation's own expiry and signature and then the
// decision token it links to. A confirmation is only as good as its token.
func (s ConfirmationService) Verify(ctx context.Context, id string) (ConfirmationVerification, error) {
	c, err := s.Repo.GetConfirmation(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ConfirmationVerification{Valid: false, Reason: "not found"}, nil
	}
	if err != nil {
		return ConfirmationVerification{}, err
	}

	expiresAt, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return ConfirmationVerification{}, fmt.Errorf("parse expires_at for %s: %w", c.ID, err)
	}
	if s.now().UTC().After(expiresAt) {
		return ConfirmationVerification{Valid: false, Reason: "expired", Confirmation: &c}, nil
	}

	if err := verifyConfirmationSignature(s.Signers, c); err != nil {
		if errors.Is(err, signing.ErrSignatureMismatch) {
			s.logf("SECURITY: partner confirmation %s failed signature verification", c.ID)
			return ConfirmationVerification{Valid: false, Reason: "signature verification failed", Confirmation: &c}, nil
		}
		return ConfirmationVerification{}, err
	}

	tokenRes, err := s.Tokens.Verify(ctx, c.DTID)
	if err != nil {
		return ConfirmationVerification{}, err
	}
	if !tokenRes.Valid {
		return ConfirmationVerification{
			Valid:        false,
			Reason:       "decision token " + tokenRes.Reason,
			Confirmation: &c,
			TokenResult:  &tokenRes,
		}, nil
	}
	return ConfirmationVerification{Valid: true, Confirmation: &c, TokenResult: &tokenRes}, nil
}

// Get returns a confirmation without validity checks.
func (s ConfirmationService) Get(ctx context.Context, id string) (domain.PartnerConfirmation, error) {
	return s.Repo.GetConfirmation(ctx, id)
}

// ForToken returns the earliest confirmation recorded for a token.
func (s ConfirmationService) ForToken(ctx context.Context, dtID string) (domain.PartnerConfirmation, error) {
	return s.Repo.FirstConfirmationForToken(ctx, dtID)
}

// TokenView is what a partner sees when opening a confirmation request.
type TokenView struct {
	Token            domain.DecisionToken        `json:"token"`
	AlreadyConfirmed bool                        `json:"alreadyConfirmed"`
	Confirmation     *domain.PartnerConfirmation `json:"confirmation,omitempty"`
}

// TokenForPartner loads the token a partner was asked to confirm, refusing
// when the token names someone else.
func (s ConfirmationService) TokenForPartner(ctx context.Context, dtID, partnerID string) (TokenView, error) {
	t, err := s.Repo.GetToken(ctx, dtID)
	if err != nil {
		return TokenView{}, err
	}
	if t.PartnerID != nil && partnerID != "" && *t.PartnerID != partnerID {
		return TokenView{}, ForbiddenError{Msg: fmt.Sprintf("decision token %s names a different partner", dtID)}
	}
	view := TokenView{Token: t}
	if t.PartnerID != nil {
		c, err := s.Repo.GetConfirmationForToken(ctx, dtID, *t.PartnerID)
		if err == nil {
			view.AlreadyConfirmed = true
			view.Confirmation = &c
		} else if !errors.Is(err, repo.ErrNotFound) {
			return TokenView{}, err
		}
	}
	return view, nil
}
