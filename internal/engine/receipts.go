package engine

import (
	"context"
	"database/sql"
	"encoding/json"
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

// TokenAuthority is the slice of TokenService the receipt flow needs.
type TokenAuthority interface {
	Verify(ctx context.Context, id string) (TokenVerification, error)
	Get(ctx context.Context, id string) (domain.DecisionToken, error)
	Consume(ctx context.Context, id, actorID string) (bool, error)
}

// ConfirmationChecker is the slice of ConfirmationService the receipt flow
// needs.
type ConfirmationChecker interface {
	Verify(ctx context.Context, id string) (ConfirmationVerification, error)
	ForToken(ctx context.Context, dtID string) (domain.PartnerConfirmation, error)
}

// ReceiptService records and verifies execution receipts and assembles proof
// chains.
type ReceiptService struct {
	DB            *sql.DB
	Repo          repo.Repo
	Events        events.Writer
	Signers       *signing.Registry
	Config        *config.Config
	Tokens        TokenAuthority
	Confirmations ConfirmationChecker
	Now           func() time.Time
	Logger        *log.Logger
}

func NewReceiptService(db *sql.DB, cfg *config.Config, signers *signing.Registry, tokens TokenAuthority, confirmations ConfirmationChecker) ReceiptService {
	return ReceiptService{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Events:        events.Writer{DB: db},
		Signers:       signers,
		Config:        cfg,
		Tokens:        tokens,
		Confirmations: confirmations,
		Now:           time.Now,
		Logger:        log.Default(),
	}
}

func (s ReceiptService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s ReceiptService) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// SubmitOptions are parameters for submitting an execution receipt.
type SubmitOptions struct {
	ID                   string
	DTID                 string
	PCID                 string
	ExecutorType         string
	ExecutorID           string
	ExecutorUserID       string
	ExecutionStartedAt   string
	ExecutionCompletedAt string
	Outcome              map[string]any
	KeepTokenActive      bool
	TraceID              string
	ActorID              string
}

// Submit records an execution receipt against a decision token. Partner-run
// executions must carry a verified partner confirmation. After the receipt is
// stored the token is consumed, unless it was issued reusable or the caller
// asked to keep it active; a failed consumption never undoes the receipt.
func (s ReceiptService) Submit(ctx context.Context, opts SubmitOptions) (domain.ExecutionReceipt, error) {
	required := []struct{ name, value string }{
		{"dt_id", opts.DTID},
		{"executor_type", opts.ExecutorType},
		{"executor_id", opts.ExecutorID},
		{"execution_started_at", opts.ExecutionStartedAt},
	}
	for _, f := range required {
		if f.value == "" {
			return domain.ExecutionReceipt{}, validationErrorf("%s is required", f.name)
		}
	}
	if opts.ExecutorType != domain.ExecutorEnterprise && opts.ExecutorType != domain.ExecutorPartner {
		return domain.ExecutionReceipt{}, validationErrorf("executor_type must be %q or %q", domain.ExecutorEnterprise, domain.ExecutorPartner)
	}
	startedAt, err := time.Parse(time.RFC3339, opts.ExecutionStartedAt)
	if err != nil {
		return domain.ExecutionReceipt{}, validationErrorf("execution_started_at must be RFC 3339")
	}

	tokenRes, err := s.Tokens.Verify(ctx, opts.DTID)
	if err != nil {
		return domain.ExecutionReceipt{}, err
	}
	if !tokenRes.Valid {
		return domain.ExecutionReceipt{}, validationErrorf("decision token %s does not authorize execution: %s", opts.DTID, tokenRes.Reason)
	}
	token := *tokenRes.Token

	var pcID *string
	if opts.ExecutorType == domain.ExecutorPartner {
		switch {
		case opts.PCID != "":
			pcRes, err := s.Confirmations.Verify(ctx, opts.PCID)
			if err != nil {
				return domain.ExecutionReceipt{}, err
			}
			if !pcRes.Valid {
				return domain.ExecutionReceipt{}, validationErrorf("partner confirmation %s is not valid: %s", opts.PCID, pcRes.Reason)
			}
			if pcRes.Confirmation.DTID != opts.DTID {
				return domain.ExecutionReceipt{}, validationErrorf("partner confirmation %s belongs to a different decision token", opts.PCID)
			}
			pcID = &pcRes.Confirmation.ID
		default:
			pc, err := s.Confirmations.ForToken(ctx, opts.DTID)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ExecutionReceipt{}, validationErrorf("partner confirmation required for partner-run execution of %s", opts.DTID)
			}
			if err != nil {
				return domain.ExecutionReceipt{}, err
			}
			pcID = &pc.ID
		}
	} else if opts.PCID != "" {
		pcID = &opts.PCID
	}

	now := s.now().UTC()
	completedAt := now
	if opts.ExecutionCompletedAt != "" {
		if completedAt, err = time.Parse(time.RFC3339, opts.ExecutionCompletedAt); err != nil {
			return domain.ExecutionReceipt{}, validationErrorf("execution_completed_at must be RFC 3339")
		}
	}
	if completedAt.Before(startedAt) {
		return domain.ExecutionReceipt{}, validationErrorf("execution_completed_at is before execution_started_at")
	}

	r := domain.ExecutionReceipt{
		ID:                   opts.ID,
		DTID:                 opts.DTID,
		PCID:                 pcID,
		ExecutorType:         opts.ExecutorType,
		ExecutorID:           opts.ExecutorID,
		ExecutorUserID:       opts.ExecutorUserID,
		ExecutionStartedAt:   startedAt.UTC().Format(time.RFC3339),
		ExecutionCompletedAt: completedAt.UTC().Format(time.RFC3339),
		ExecutionDurationMs:  completedAt.Sub(startedAt).Milliseconds(),
		SubmittedAt:          now.Format(time.RFC3339),
		TraceID:              opts.TraceID,
	}
	if r.ID == "" {
		r.ID = "er-" + uuid.NewString()
	}
	if r.TraceID == "" {
		r.TraceID = token.TraceID
	}

	outcome := opts.Outcome
	if outcome == nil {
		outcome = map[string]any{}
	}
	outcomeJSON, err := encodeJSON(outcome)
	if err != nil {
		return domain.ExecutionReceipt{}, fmt.Errorf("encode outcome: %w", err)
	}
	r.OutcomeJSON = *outcomeJSON
	if r.OutcomeHash, err = signing.CanonicalSHA256(outcome); err != nil {
		return domain.ExecutionReceipt{}, fmt.Errorf("hash outcome: %w", err)
	}

	signer := s.Signers.Default()
	payload, err := signing.Canonicalize(receiptSigningPayload(r))
	if err != nil {
		return domain.ExecutionReceipt{}, fmt.Errorf("canonicalize receipt payload: %w", err)
	}
	if r.Attestation, err = signer.Sign(payload); err != nil {
		return domain.ExecutionReceipt{}, fmt.Errorf("sign receipt: %w", err)
	}
	r.SigningMethod = signer.Method()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionReceipt{}, err
	}
	defer tx.Rollback()

	if err := s.Repo.InsertReceipt(ctx, tx, r); err != nil {
		return domain.ExecutionReceipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "receipt.submitted", token.EnterpriseID, "execution_receipt", r.ID, opts.ActorID, events.EventPayload{
		"dt_id":         r.DTID,
		"executor_type": r.ExecutorType,
		"executor_id":   r.ExecutorID,
		"outcome_hash":  r.OutcomeHash,
	}); err != nil {
		return domain.ExecutionReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionReceipt{}, err
	}

	if !token.Reusable && !opts.KeepTokenActive {
		won, err := s.Tokens.Consume(ctx, token.ID, opts.ActorID)
		if err != nil {
			s.logf("consume token %s after receipt %s: %v", token.ID, r.ID, err)
		} else if !won {
			s.logf("token %s was no longer active when receipt %s tried to consume it", token.ID, r.ID)
		}
	}
	return r, nil
}

// ReceiptVerification is the outcome of checking an execution receipt.
// Valid covers the receipt itself; ProofChainValid additionally covers the
// token and confirmation it links to.
type ReceiptVerification struct {
	Valid           bool                     `json:"valid"`
	Reason          string                   `json:"reason,omitempty"`
	ProofChainValid bool                     `json:"proofChainValid"`
	Receipt         *domain.ExecutionReceipt `json:"receipt,omitempty"`
}

// Verify recomputes the outcome hash, checks the attestation and then walks
// the chain. A consumed token is an expected end state here, not a failure.
func (s ReceiptService) Verify(ctx context.Context, id string) (ReceiptVerification, error) {
	r, err := s.Repo.GetReceipt(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ReceiptVerification{Valid: false, Reason: "not found"}, nil
	}
	if err != nil {
		return ReceiptVerification{}, err
	}

	var outcome any
	if err := json.Unmarshal([]byte(r.OutcomeJSON), &outcome); err != nil {
		return ReceiptVerification{Valid: false, Reason: "outcome is not valid JSON", Receipt: &r}, nil
	}
	hash, err := signing.CanonicalSHA256(outcome)
	if err != nil {
		return ReceiptVerification{}, err
	}
	if hash != r.OutcomeHash {
		s.logf("SECURITY: execution receipt %s outcome hash mismatch", r.ID)
		return ReceiptVerification{Valid: false, Reason: "outcome hash mismatch", Receipt: &r}, nil
	}

	if err := verifyReceiptAttestation(s.Signers, r); err != nil {
		if errors.Is(err, signing.ErrSignatureMismatch) {
			s.logf("SECURITY: execution receipt %s failed attestation verification", r.ID)
			return ReceiptVerification{Valid: false, Reason: "signature verification failed", Receipt: &r}, nil
		}
		return ReceiptVerification{}, err
	}

	chainOK := true
	reason := ""
	tokenRes, err := s.Tokens.Verify(ctx, r.DTID)
	if err != nil {
		return ReceiptVerification{}, err
	}
	if !tokenRes.Valid && tokenRes.Reason != domain.TokenConsumed {
		chainOK = false
		reason = "decision token " + tokenRes.Reason
	}

	if chainOK && r.PCID != nil {
		pc, err := s.Repo.GetConfirmation(ctx, *r.PCID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			chainOK = false
			reason = "partner confirmation not found"
		case err != nil:
			return ReceiptVerification{}, err
		case pc.DTID != r.DTID:
			chainOK = false
			reason = "partner confirmation belongs to a different decision token"
		default:
			if err := verifyConfirmationSignature(s.Signers, pc); err != nil {
				if !errors.Is(err, signing.ErrSignatureMismatch) {
					return ReceiptVerification{}, err
				}
				s.logf("SECURITY: partner confirmation %s failed signature verification", pc.ID)
				chainOK = false
				reason = "partner confirmation signature verification failed"
			}
		}
	}

	return ReceiptVerification{Valid: true, Reason: reason, ProofChainValid: chainOK, Receipt: &r}, nil
}

// Get returns a receipt without validity checks.
func (s ReceiptService) Get(ctx context.Context, id string) (domain.ExecutionReceipt, error) {
	return s.Repo.GetReceipt(ctx, id)
}

// ProofChain assembles everything on record for a decision token plus a
// status describing how far the chain has progressed.
func (s ReceiptService) ProofChain(ctx context.Context, dtID string) (domain.ProofChain, error) {
	t, err := s.Repo.GetToken(ctx, dtID)
	if err != nil {
		return domain.ProofChain{}, err
	}
	chain := domain.ProofChain{Token: t}

	pc, err := s.Repo.FirstConfirmationForToken(ctx, dtID)
	if err == nil {
		chain.Confirmation = &pc
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ProofChain{}, err
	}

	er, err := s.Repo.LatestReceiptForToken(ctx, dtID)
	if err == nil {
		chain.Receipt = &er
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ProofChain{}, err
	}

	switch {
	case chain.Receipt != nil:
		chain.ChainStatus = domain.ChainComplete
	case chain.Confirmation != nil:
		chain.ChainStatus = domain.ChainAwaitingExecution
	case t.PartnerID == nil:
		chain.ChainStatus = domain.ChainEnterpriseRunPending
	default:
		chain.ChainStatus = domain.ChainAwaitingConfirmation
	}
	return chain, nil
}
