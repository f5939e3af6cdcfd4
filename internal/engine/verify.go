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

// ChainVerifier is the slice of ReceiptService the bundle flow needs.
type ChainVerifier interface {
	Verify(ctx context.Context, id string) (ReceiptVerification, error)
	ProofChain(ctx context.Context, dtID string) (domain.ProofChain, error)
}

// VerifyService registers proof bundles and policy artifacts and answers the
// audit questions: was this content produced under that policy, and does the
// governance chain behind it hold up.
type VerifyService struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Signers *signing.Registry
	Config  *config.Config
	Tokens  TokenVerifier
	Chains  ChainVerifier
	Now     func() time.Time
	Logger  *log.Logger
}

func NewVerifyService(db *sql.DB, cfg *config.Config, signers *signing.Registry, tokens TokenVerifier, chains ChainVerifier) VerifyService {
	return VerifyService{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Signers: signers,
		Config:  cfg,
		Tokens:  tokens,
		Chains:  chains,
		Now:     time.Now,
		Logger:  log.Default(),
	}
}

func (s VerifyService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// BundleOptions are parameters for registering a proof bundle.
type BundleOptions struct {
	ID                   string
	EnterpriseID         string
	DTID                 string
	Content              map[string]any
	PolicySnapshotDigest string
	ActorID              string
}

// RegisterBundle stores a proof bundle, hashing its content on the way in so
// later verification has a fixed point to compare against.
func (s VerifyService) RegisterBundle(ctx context.Context, opts BundleOptions) (domain.ProofBundle, error) {
	if opts.EnterpriseID == "" {
		return domain.ProofBundle{}, validationErrorf("enterprise_id is required")
	}
	if len(opts.Content) == 0 {
		return domain.ProofBundle{}, validationErrorf("content is required")
	}
	if opts.PolicySnapshotDigest == "" {
		return domain.ProofBundle{}, validationErrorf("policy_snapshot_digest is required")
	}
	if opts.DTID != "" {
		if _, err := s.Repo.GetToken(ctx, opts.DTID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ProofBundle{}, validationErrorf("decision token %s not found", opts.DTID)
			}
			return domain.ProofBundle{}, err
		}
	}

	contentJSON, err := encodeJSON(opts.Content)
	if err != nil {
		return domain.ProofBundle{}, fmt.Errorf("encode content: %w", err)
	}
	hash, err := signing.CanonicalSHA256(opts.Content)
	if err != nil {
		return domain.ProofBundle{}, fmt.Errorf("hash content: %w", err)
	}

	b := domain.ProofBundle{
		ID:                   opts.ID,
		EnterpriseID:         opts.EnterpriseID,
		ContentJSON:          *contentJSON,
		ContentHash:          hash,
		PolicySnapshotDigest: opts.PolicySnapshotDigest,
		CreatedAt:            s.now().UTC().Format(time.RFC3339),
	}
	if b.ID == "" {
		b.ID = "pb-" + uuid.NewString()
	}
	if opts.DTID != "" {
		b.DTID = &opts.DTID
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProofBundle{}, err
	}
	defer tx.Rollback()

	if err := s.Repo.InsertBundle(ctx, tx, b); err != nil {
		return domain.ProofBundle{}, fmt.Errorf("insert bundle: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "bundle.registered", b.EnterpriseID, "proof_bundle", b.ID, opts.ActorID, events.EventPayload{
		"dt_id":        stringPtrValue(b.DTID),
		"content_hash": b.ContentHash,
	}); err != nil {
		return domain.ProofBundle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProofBundle{}, err
	}
	return b, nil
}

// PolicyArtifactOptions are parameters for registering a policy snapshot.
type PolicyArtifactOptions struct {
	SnapshotID   string
	EnterpriseID string
	Content      map[string]any
	ActorID      string
}

// RegisterPolicyArtifact stores a policy snapshot keyed by its id, deriving
// the digest that decision tokens and bundles will reference.
func (s VerifyService) RegisterPolicyArtifact(ctx context.Context, opts PolicyArtifactOptions) (domain.PolicyArtifact, error) {
	if opts.SnapshotID == "" {
		return domain.PolicyArtifact{}, validationErrorf("snapshot_id is required")
	}
	if len(opts.Content) == 0 {
		return domain.PolicyArtifact{}, validationErrorf("content is required")
	}

	contentJSON, err := encodeJSON(opts.Content)
	if err != nil {
		return domain.PolicyArtifact{}, fmt.Errorf("encode content: %w", err)
	}
	digest, err := signing.CanonicalSHA256(opts.Content)
	if err != nil {
		return domain.PolicyArtifact{}, fmt.Errorf("hash content: %w", err)
	}

	p := domain.PolicyArtifact{
		SnapshotID:   opts.SnapshotID,
		Digest:       digest,
		EnterpriseID: opts.EnterpriseID,
		ContentJSON:  *contentJSON,
		CreatedAt:    s.now().UTC().Format(time.RFC3339),
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PolicyArtifact{}, err
	}
	defer tx.Rollback()

	if err := s.Repo.InsertPolicyArtifact(ctx, tx, p); err != nil {
		return domain.PolicyArtifact{}, fmt.Errorf("insert policy artifact: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "policy.registered", p.EnterpriseID, "policy_artifact", p.SnapshotID, opts.ActorID, events.EventPayload{
		"digest": p.Digest,
	}); err != nil {
		return domain.PolicyArtifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PolicyArtifact{}, err
	}
	return p, nil
}

// BundleVerification is the outcome of re-verifying a registered bundle.
type BundleVerification struct {
	BundleID            string               `json:"bundleId"`
	Valid               bool                 `json:"valid"`
	Reason              string               `json:"reason,omitempty"`
	ContentHashValid    bool                 `json:"contentHashValid"`
	PolicyArtifactFound bool                 `json:"policyArtifactFound"`
	ChainValid          bool                 `json:"chainValid"`
	Chain               *domain.ProofChain   `json:"chain,omitempty"`
	TokenResult         *TokenVerification   `json:"tokenResult,omitempty"`
	ReceiptResult       *ReceiptVerification `json:"receiptResult,omitempty"`
	ConfirmationValid   *bool                `json:"confirmationValid,omitempty"`
}

// VerifyBundle recomputes a bundle's content hash, checks that its bound
// policy snapshot is on record and, when the bundle links a decision token,
// re-verifies the whole chain behind it.
func (s VerifyService) VerifyBundle(ctx context.Context, bundleID string) (BundleVerification, error) {
	b, err := s.Repo.GetBundle(ctx, bundleID)
	if err != nil {
		return BundleVerification{}, err
	}
	res := BundleVerification{BundleID: b.ID, ChainValid: true}

	var content any
	if err := json.Unmarshal([]byte(b.ContentJSON), &content); err != nil {
		res.Reason = "content is not valid JSON"
		return s.recordBundleVerified(ctx, b, res)
	}
	hash, err := signing.CanonicalSHA256(content)
	if err != nil {
		return BundleVerification{}, err
	}
	res.ContentHashValid = hash == b.ContentHash

	if _, err := s.Repo.GetPolicyArtifactByDigest(ctx, b.PolicySnapshotDigest); err == nil {
		res.PolicyArtifactFound = true
	} else if !errors.Is(err, repo.ErrNotFound) {
		return BundleVerification{}, err
	}

	if b.DTID != nil {
		chain, err := s.Chains.ProofChain(ctx, *b.DTID)
		if errors.Is(err, repo.ErrNotFound) {
			res.ChainValid = false
			res.Reason = "decision token not found"
			return s.recordBundleVerified(ctx, b, res)
		}
		if err != nil {
			return BundleVerification{}, err
		}
		res.Chain = &chain

		tokenRes, err := s.Tokens.Verify(ctx, *b.DTID)
		if err != nil {
			return BundleVerification{}, err
		}
		res.TokenResult = &tokenRes
		// a consumed token behind a completed chain is the expected end state
		consumedWithReceipt := tokenRes.Reason == domain.TokenConsumed && chain.Receipt != nil
		if !tokenRes.Valid && !consumedWithReceipt {
			res.ChainValid = false
			res.Reason = "decision token " + tokenRes.Reason
		}

		if chain.Confirmation != nil {
			ok := verifyConfirmationSignature(s.Signers, *chain.Confirmation) == nil
			res.ConfirmationValid = &ok
			if !ok {
				res.ChainValid = false
				if res.Reason == "" {
					res.Reason = "partner confirmation signature verification failed"
				}
			}
		}

		if chain.Receipt != nil {
			erRes, err := s.Chains.Verify(ctx, chain.Receipt.ID)
			if err != nil {
				return BundleVerification{}, err
			}
			res.ReceiptResult = &erRes
			if !erRes.Valid || !erRes.ProofChainValid {
				res.ChainValid = false
				if res.Reason == "" {
					res.Reason = "execution receipt " + erRes.Reason
					if erRes.Reason == "" {
						res.Reason = "execution receipt chain invalid"
					}
				}
			}
		}
	}

	res.Valid = res.ContentHashValid && res.PolicyArtifactFound && res.ChainValid
	if !res.Valid && res.Reason == "" {
		switch {
		case !res.ContentHashValid:
			res.Reason = "content hash mismatch"
		case !res.PolicyArtifactFound:
			res.Reason = "policy artifact not found"
		}
	}
	return s.recordBundleVerified(ctx, b, res)
}

func (s VerifyService) recordBundleVerified(ctx context.Context, b domain.ProofBundle, res BundleVerification) (BundleVerification, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return BundleVerification{}, err
	}
	defer tx.Rollback()
	if err := s.Events.Append(ctx, tx, "bundle.verified", b.EnterpriseID, "proof_bundle", b.ID, "system", events.EventPayload{
		"valid":  res.Valid,
		"reason": res.Reason,
	}); err != nil {
		return BundleVerification{}, err
	}
	if err := tx.Commit(); err != nil {
		return BundleVerification{}, err
	}
	return res, nil
}

// GetBundle returns a bundle without verification.
func (s VerifyService) GetBundle(ctx context.Context, id string) (domain.ProofBundle, error) {
	return s.Repo.GetBundle(ctx, id)
}

// GetPolicyArtifact returns a policy snapshot by id.
func (s VerifyService) GetPolicyArtifact(ctx context.Context, snapshotID string) (domain.PolicyArtifact, error) {
	return s.Repo.GetPolicyArtifact(ctx, snapshotID)
}
