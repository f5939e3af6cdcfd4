package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/migrate"
	"grantline/internal/signing"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("E1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hmacSigner, err := signing.NewHMACSigner("test-secret")
	if err != nil {
		t.Fatalf("hmac signer: %v", err)
	}
	signers, err := signing.NewRegistry(signing.MethodHMACSHA256, hmacSigner)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := engine.NewServices(conn, cfg, signers)
	handler, err := New(Config{
		Services: svc,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "jwt-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func issueTokenRequest() map[string]any {
	return map[string]any{
		"enterprise_id":          "E1",
		"partner_id":             "P1",
		"policy_snapshot_id":     "pol-1",
		"policy_snapshot_digest": "digest-1",
		"tool_name":              "Midjourney",
		"tool_version":           "v6.1",
		"vendor_name":            "Midjourney Inc",
		"usage_grant":            map[string]any{"scope": "campaign-assets"},
		"expiry_hours":           72,
	}
}

func TestTokenLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", issueTokenRequest(), actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue status %d: %s", res.StatusCode, string(data))
	}
	var token domain.DecisionToken
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if token.Status != domain.TokenActive || token.Signature == "" {
		t.Fatalf("unexpected token: %+v", token)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens/"+token.ID+"/verify", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verification engine.TokenVerification
	if err := json.Unmarshal(data, &verification); err != nil {
		t.Fatalf("unmarshal verification: %v", err)
	}
	if !verification.Valid {
		t.Fatalf("expected valid token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens/"+token.ID+"/revoke", map[string]any{
		"reason": "campaign cancelled",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}

	// revoking again conflicts and reports the current status
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens/"+token.ID+"/revoke", map[string]any{
		"reason": "again",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second revoke status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "state_conflict" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
	if envelope.Error.Details["current_status"] != domain.TokenRevoked {
		t.Fatalf("current_status = %v", envelope.Error.Details["current_status"])
	}
}

func TestFullChainOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", issueTokenRequest(), actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue status %d: %s", res.StatusCode, string(data))
	}
	var token domain.DecisionToken
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/confirmations", map[string]any{
		"dt_id":                  token.ID,
		"partner_id":             "P1",
		"confirmer_user_id":      "u-42",
		"confirmer_role":         "campaign-manager",
		"confirmation_statement": "We confirm use within the agreed boundary.",
		"accepted_controls":      []string{"watermark"},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	var pc domain.PartnerConfirmation
	if err := json.Unmarshal(data, &pc); err != nil {
		t.Fatalf("unmarshal confirmation: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/receipts", map[string]any{
		"dt_id":                token.ID,
		"pc_id":                pc.ID,
		"executor_type":        "partner",
		"executor_id":          "P1",
		"executor_user_id":     "u-42",
		"execution_started_at": token.IssuedAt,
		"outcome":              map[string]any{"status": "success"},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("receipt status %d: %s", res.StatusCode, string(data))
	}
	var er domain.ExecutionReceipt
	if err := json.Unmarshal(data, &er); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tokens/"+token.ID+"/chain", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chain status %d: %s", res.StatusCode, string(data))
	}
	var chain domain.ProofChain
	if err := json.Unmarshal(data, &chain); err != nil {
		t.Fatalf("unmarshal chain: %v", err)
	}
	if chain.ChainStatus != domain.ChainComplete {
		t.Fatalf("chain status = %q, want complete", chain.ChainStatus)
	}
	if chain.Token.Status != domain.TokenConsumed {
		t.Fatalf("token status = %q, want consumed", chain.Token.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/receipts/"+er.ID+"/verify", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify receipt status %d: %s", res.StatusCode, string(data))
	}
	var verification engine.ReceiptVerification
	if err := json.Unmarshal(data, &verification); err != nil {
		t.Fatalf("unmarshal verification: %v", err)
	}
	if !verification.Valid || !verification.ProofChainValid {
		t.Fatalf("expected valid chain: %s", string(data))
	}
}

func TestBundleReportOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/policy-artifacts", map[string]any{
		"snapshot_id":   "pol-1",
		"enterprise_id": "E1",
		"content":       map[string]any{"rules": []string{"no humans in output"}},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("policy status %d: %s", res.StatusCode, string(data))
	}
	var policy domain.PolicyArtifact
	if err := json.Unmarshal(data, &policy); err != nil {
		t.Fatalf("unmarshal policy: %v", err)
	}

	issue := issueTokenRequest()
	delete(issue, "partner_id")
	issue["policy_snapshot_digest"] = policy.Digest
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", issue, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue status %d: %s", res.StatusCode, string(data))
	}
	var token domain.DecisionToken
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/receipts", map[string]any{
		"dt_id":                token.ID,
		"executor_type":        "enterprise",
		"executor_id":          "E1",
		"execution_started_at": token.IssuedAt,
		"outcome":              map[string]any{"status": "success"},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("receipt status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bundles", map[string]any{
		"enterprise_id":          "E1",
		"dt_id":                  token.ID,
		"content":                map[string]any{"asset": "img-1.png"},
		"policy_snapshot_digest": policy.Digest,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("bundle status %d: %s", res.StatusCode, string(data))
	}
	var bundle domain.ProofBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/bundles/"+bundle.ID+"/report", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	var report engine.ComplianceReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.Verification.Valid {
		t.Fatalf("expected valid verification: %s", string(data))
	}
	if report.Answers.WhichVersion != "v6.1" {
		t.Fatalf("version answer = %q", report.Answers.WhichVersion)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tokens", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}
