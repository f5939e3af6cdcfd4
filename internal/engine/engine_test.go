package engine_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/migrate"
	"grantline/internal/repo"
	"grantline/internal/signing"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	Tokens        engine.TokenService
	Confirmations engine.ConfirmationService
	Receipts      engine.ReceiptService
	Verify        engine.VerifyService
	Clock         *testClock
	Ctx           context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("E1")
	hmacSigner, err := signing.NewHMACSigner("test-secret")
	if err != nil {
		t.Fatalf("hmac signer: %v", err)
	}
	signers, err := signing.NewRegistry(signing.MethodHMACSHA256, hmacSigner)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	quiet := log.New(io.Discard, "", 0)

	tokens := engine.NewTokenService(conn, cfg, signers)
	tokens.Now = clock.Now
	tokens.Logger = quiet
	confirmations := engine.NewConfirmationService(conn, cfg, signers, tokens)
	confirmations.Now = clock.Now
	confirmations.Logger = quiet
	receipts := engine.NewReceiptService(conn, cfg, signers, tokens, confirmations)
	receipts.Now = clock.Now
	receipts.Logger = quiet
	verify := engine.NewVerifyService(conn, cfg, signers, tokens, receipts)
	verify.Now = clock.Now

	return &testEnv{
		Tokens:        tokens,
		Confirmations: confirmations,
		Receipts:      receipts,
		Verify:        verify,
		Clock:         clock,
		Ctx:           context.Background(),
	}
}

func issueOpts() engine.IssueOptions {
	return engine.IssueOptions{
		EnterpriseID:         "E1",
		PartnerID:            "P1",
		PolicySnapshotID:     "pol-1",
		PolicySnapshotDigest: "digest-1",
		ToolName:             "Midjourney",
		ToolVersion:          "v6.1",
		VendorName:           "Midjourney Inc",
		UsageGrant:           map[string]any{"scope": "campaign-assets"},
		Decision:             map[string]any{"approved_by": "governance-board"},
		ExpiryHours:          72,
		TraceID:              "trace-1",
		ActorID:              "tester",
	}
}

func TestIssueSignatureIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue a: %v", err)
	}
	b, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue b: %v", err)
	}
	// same fields and same clock must produce the same signature even though
	// the ids differ
	if a.Signature != b.Signature {
		t.Fatalf("signatures differ: %s vs %s", a.Signature, b.Signature)
	}

	res, err := env.Tokens.Verify(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid, got reason %q", res.Reason)
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.Tokens.DB.Exec(`UPDATE decision_tokens SET tool_version='v7.0' WHERE id=?`, tok.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	res, err := env.Tokens.Verify(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.Reason != "signature verification failed" {
		t.Fatalf("expected signature failure, got valid=%v reason=%q", res.Valid, res.Reason)
	}
}

func TestVerifyExpiresOverdueToken(t *testing.T) {
	env := newTestEnv(t)
	opts := issueOpts()
	opts.ExpiryHours = 1
	tok, err := env.Tokens.Issue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	env.Clock.Advance(2 * time.Hour)
	res, err := env.Tokens.Verify(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.Reason != domain.TokenExpired {
		t.Fatalf("expected expired, got valid=%v reason=%q", res.Valid, res.Reason)
	}
	// the transition is persisted, not just reported
	stored, err := env.Tokens.Get(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.TokenExpired {
		t.Fatalf("stored status = %q, want expired", stored.Status)
	}
}

func TestRevokeAfterConsumeConflicts(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	won, err := env.Tokens.Consume(env.Ctx, tok.ID, "tester")
	if err != nil || !won {
		t.Fatalf("consume: won=%v err=%v", won, err)
	}

	_, err = env.Tokens.Revoke(env.Ctx, tok.ID, "mistake", "tester")
	var conflict engine.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if conflict.Current != domain.TokenConsumed {
		t.Fatalf("conflict current = %q, want consumed", conflict.Current)
	}
	stored, err := env.Tokens.Get(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.TokenConsumed {
		t.Fatalf("stored status = %q, want consumed", stored.Status)
	}
}

func TestConsumeLosesWhenNotActive(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if won, err := env.Tokens.Consume(env.Ctx, tok.ID, "tester"); err != nil || !won {
		t.Fatalf("first consume: won=%v err=%v", won, err)
	}
	if won, err := env.Tokens.Consume(env.Ctx, tok.ID, "tester"); err != nil || won {
		t.Fatalf("second consume should lose silently: won=%v err=%v", won, err)
	}
}

func TestConfirmationIsIdempotentPerPartner(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	opts := engine.ConfirmationOptions{
		DTID:                  tok.ID,
		PartnerID:             "P1",
		ConfirmerUserID:       "u-42",
		ConfirmerRole:         "campaign-manager",
		ConfirmationStatement: "We confirm use within the agreed boundary.",
		AcceptedControls:      []string{"watermark"},
		ActorID:               "P1",
	}
	first, err := env.Confirmations.Create(env.Ctx, opts)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := env.Confirmations.Create(env.Ctx, opts)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same confirmation back, got %s and %s", first.ID, second.ID)
	}

	var count int
	if err := env.Tokens.DB.QueryRow(`SELECT COUNT(*) FROM partner_confirmations WHERE dt_id=?`, tok.ID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("confirmation rows = %d, want 1", count)
	}
}

func TestConfirmationRejectsWrongPartner(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = env.Confirmations.Create(env.Ctx, engine.ConfirmationOptions{
		DTID:                  tok.ID,
		PartnerID:             "P2",
		ConfirmerUserID:       "u-1",
		ConfirmationStatement: "confirmed",
	})
	var forbidden engine.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestPartnerReceiptRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = env.Receipts.Submit(env.Ctx, engine.SubmitOptions{
		DTID:               tok.ID,
		ExecutorType:       domain.ExecutorPartner,
		ExecutorID:         "P1",
		ExecutorUserID:     "u-42",
		ExecutionStartedAt: env.Clock.Now().Format(time.RFC3339),
		Outcome:            map[string]any{"status": "success"},
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestEnterpriseRunChain(t *testing.T) {
	env := newTestEnv(t)
	opts := issueOpts()
	opts.PartnerID = ""
	tok, err := env.Tokens.Issue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	chain, err := env.Receipts.ProofChain(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if chain.ChainStatus != domain.ChainEnterpriseRunPending {
		t.Fatalf("chain status = %q, want enterprise_run_pending", chain.ChainStatus)
	}

	started := env.Clock.Now()
	env.Clock.Advance(90 * time.Second)
	er, err := env.Receipts.Submit(env.Ctx, engine.SubmitOptions{
		DTID:               tok.ID,
		ExecutorType:       domain.ExecutorEnterprise,
		ExecutorID:         "E1",
		ExecutorUserID:     "u-7",
		ExecutionStartedAt: started.Format(time.RFC3339),
		Outcome:            map[string]any{"status": "success", "asset_count": 12},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if er.PCID != nil {
		t.Fatalf("enterprise receipt should carry no confirmation")
	}
	if er.ExecutionDurationMs != 90_000 {
		t.Fatalf("duration = %d, want 90000", er.ExecutionDurationMs)
	}

	chain, err = env.Receipts.ProofChain(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if chain.ChainStatus != domain.ChainComplete {
		t.Fatalf("chain status = %q, want complete", chain.ChainStatus)
	}
}

func TestReceiptKeepsReusableTokenActive(t *testing.T) {
	env := newTestEnv(t)
	opts := issueOpts()
	opts.PartnerID = ""
	opts.Reusable = true
	tok, err := env.Tokens.Issue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.Receipts.Submit(env.Ctx, engine.SubmitOptions{
		DTID:               tok.ID,
		ExecutorType:       domain.ExecutorEnterprise,
		ExecutorID:         "E1",
		ExecutionStartedAt: env.Clock.Now().Format(time.RFC3339),
		Outcome:            map[string]any{"status": "success"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stored, err := env.Tokens.Get(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.TokenActive {
		t.Fatalf("reusable token status = %q, want active", stored.Status)
	}
}

func TestFullPartnerChain(t *testing.T) {
	env := newTestEnv(t)
	tok, err := env.Tokens.Issue(env.Ctx, issueOpts())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	pc, err := env.Confirmations.Create(env.Ctx, engine.ConfirmationOptions{
		DTID:                  tok.ID,
		PartnerID:             "P1",
		ConfirmerUserID:       "u-42",
		ConfirmerRole:         "campaign-manager",
		ConfirmationStatement: "We confirm use within the agreed boundary.",
		AcceptedControls:      []string{"watermark"},
		ActorID:               "P1",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	chain, err := env.Receipts.ProofChain(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if chain.ChainStatus != domain.ChainAwaitingExecution {
		t.Fatalf("chain status = %q, want awaiting_execution", chain.ChainStatus)
	}

	started := env.Clock.Now()
	env.Clock.Advance(5 * time.Minute)
	er, err := env.Receipts.Submit(env.Ctx, engine.SubmitOptions{
		DTID:               tok.ID,
		PCID:               pc.ID,
		ExecutorType:       domain.ExecutorPartner,
		ExecutorID:         "P1",
		ExecutorUserID:     "u-42",
		ExecutionStartedAt: started.Format(time.RFC3339),
		Outcome:            map[string]any{"status": "success", "assets": []any{"img-1.png"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// one-shot token is consumed after execution
	stored, err := env.Tokens.Get(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.TokenConsumed {
		t.Fatalf("token status = %q, want consumed", stored.Status)
	}

	res, err := env.Receipts.Verify(env.Ctx, er.ID)
	if err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	if !res.Valid || !res.ProofChainValid {
		t.Fatalf("expected valid chain, got valid=%v chain=%v reason=%q", res.Valid, res.ProofChainValid, res.Reason)
	}

	chain, err = env.Receipts.ProofChain(env.Ctx, tok.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if chain.ChainStatus != domain.ChainComplete {
		t.Fatalf("chain status = %q, want complete", chain.ChainStatus)
	}
}

func TestReceiptVerifyDetectsTamperedOutcome(t *testing.T) {
	env := newTestEnv(t)
	opts := issueOpts()
	opts.PartnerID = ""
	tok, err := env.Tokens.Issue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	er, err := env.Receipts.Submit(env.Ctx, engine.SubmitOptions{
		DTID:               tok.ID,
		ExecutorType:       domain.ExecutorEnterprise,
		ExecutorID:         "E1",
		ExecutionStartedAt: env.Clock.Now().Format(time.RFC3339),
		Outcome:            map[string]any{"status": "success"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Tokens.DB.Exec(`UPDATE execution_receipts SET outcome_json='{"status":"failed"}' WHERE id=?`, er.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	res, err := env.Receipts.Verify(env.Ctx, er.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.Reason != "outcome hash mismatch" {
		t.Fatalf("expected hash mismatch, got valid=%v reason=%q", res.Valid, res.Reason)
	}
}

func TestBundleVerifyAndReport(t *testing.T) {
	env := newTestEnv(t)

	policy, err := env.Verify.RegisterPolicyArtifact(env.Ctx, engine.PolicyArtifactOptions{
		SnapshotID:   "pol-1",
		EnterpriseID: "E1",
		Content:      map[string]any{"rules": []any{"no humans in output"}},
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("register policy: %v", err)
	}

	opts := issueOpts()
	opts.PolicySnapshotDigest = policy.Digest
	tok, err := env.Tokens.Issue(env.Ctx, opts)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.Confirmations.Create(env.Ctx, engine.ConfirmationOptions{
		DTID:                  tok.ID,
		PartnerID:             "P1",
		ConfirmerUserID:       "u-42",
		ConfirmationStatement: "confirmed",
		ActorID:               "P1",
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.Receipts.Submit(env.Ctx, engine.SubmitOptions{
		DTID:               tok.ID,
		ExecutorType:       domain.ExecutorPartner,
		ExecutorID:         "P1",
		ExecutionStartedAt: env.Clock.Now().Format(time.RFC3339),
		Outcome:            map[string]any{"status": "success"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	bundle, err := env.Verify.RegisterBundle(env.Ctx, engine.BundleOptions{
		EnterpriseID:         "E1",
		DTID:                 tok.ID,
		Content:              map[string]any{"asset": "img-1.png", "campaign": "spring"},
		PolicySnapshotDigest: policy.Digest,
		ActorID:              "tester",
	})
	if err != nil {
		t.Fatalf("register bundle: %v", err)
	}

	res, err := env.Verify.VerifyBundle(env.Ctx, bundle.ID)
	if err != nil {
		t.Fatalf("verify bundle: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid bundle, got reason %q", res.Reason)
	}
	if !res.ContentHashValid || !res.PolicyArtifactFound || !res.ChainValid {
		t.Fatalf("partial result: %+v", res)
	}

	report, err := env.Verify.GenerateReport(env.Ctx, bundle.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Tool.Name != "Midjourney" || report.Tool.Version != "v6.1" {
		t.Fatalf("tool answer: %+v", report.Tool)
	}
	if report.Answers.WhichVersion != "v6.1" {
		t.Fatalf("version answer = %q", report.Answers.WhichVersion)
	}
	if !report.Policy.OnRecord {
		t.Fatalf("policy should be on record")
	}
	if report.Boundary.ChainStatus != domain.ChainComplete {
		t.Fatalf("boundary chain status = %q", report.Boundary.ChainStatus)
	}
	if report.AuditTrail.TokenEvents == 0 {
		t.Fatalf("expected token audit events")
	}
}

func TestListTokensByPartnerCursor(t *testing.T) {
	env := newTestEnv(t)
	var last string
	for i := 0; i < 5; i++ {
		opts := issueOpts()
		tok, err := env.Tokens.Issue(env.Ctx, opts)
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		last = tok.ID
		env.Clock.Advance(time.Minute)
	}

	page, err := env.Tokens.List(env.Ctx, repo.TokenFilters{PartnerID: "P1", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page len = %d, want 3", len(page))
	}
	if page[0].ID != last {
		t.Fatalf("expected newest first, got %s", page[0].ID)
	}

	tail := page[len(page)-1]
	rest, err := env.Tokens.List(env.Ctx, repo.TokenFilters{
		PartnerID:      "P1",
		Limit:          3,
		CursorIssuedAt: tail.IssuedAt,
		CursorID:       tail.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("page 2 len = %d, want 2", len(rest))
	}
	for _, tok := range rest {
		if tok.ID == tail.ID {
			t.Fatalf("cursor row repeated")
		}
	}
}
