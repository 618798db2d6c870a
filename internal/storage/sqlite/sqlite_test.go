package sqlite

import (
	"context"
	"testing"
	"time"

	gateway "github.com/ailink/egressgw/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races.
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tok := &gateway.Token{
		ID:            "tok-1",
		ProjectID:     "proj-1",
		CredentialID:  "cred-1",
		UpstreamURL:   "https://api.openai.com",
		IsActive:      true,
		AllowedModels: []string{"gpt-4o", "gpt-4o-mini"},
		TeamID:        "team-1",
		Tags:          map[string]string{"env": "prod"},
		Role:          "agent",
		Scopes:        []string{"chat"},
	}
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetToken(ctx, "tok-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got == nil {
		t.Fatal("expected token, got nil")
	}
	if got.ProjectID != "proj-1" {
		t.Errorf("project id = %q, want proj-1", got.ProjectID)
	}
	if len(got.AllowedModels) != 2 {
		t.Errorf("allowed models = %v, want 2 entries", got.AllowedModels)
	}
	if got.Tags["env"] != "prod" {
		t.Errorf("tags = %v, want env=prod", got.Tags)
	}

	if err := s.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatal("revoke:", err)
	}
	got, err = s.GetToken(ctx, "tok-1")
	if err != nil {
		t.Fatal("get after revoke:", err)
	}
	if got.IsActive {
		t.Error("expected token to be inactive after revoke")
	}
}

func TestGetToken_NotFoundReturnsNilNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetToken(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil token, got %+v", got)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c := &gateway.CredentialBlob{
		ID:              "cred-1",
		Provider:        "openai",
		EncryptedDEK:    []byte("dek"),
		DEKNonce:        []byte("deknonce"),
		EncryptedSecret: []byte("secret"),
		SecretNonce:     []byte("secretnonce"),
		InjectionMode:   gateway.InjectBearer,
	}
	if err := s.PutCredential(ctx, c); err != nil {
		t.Fatal("put:", err)
	}

	got, err := s.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Provider != "openai" {
		t.Errorf("provider = %q, want openai", got.Provider)
	}
	if string(got.EncryptedSecret) != "secret" {
		t.Errorf("encrypted secret = %q, want secret", got.EncryptedSecret)
	}

	got, err = s.GetCredential(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil credential for missing id")
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := &gateway.Policy{
		ID:   "pol-1",
		Name: "default",
		Mode: gateway.ModeEnforce,
		Rules: []gateway.Rule{
			gateway.MethodAllowlist{Methods: []string{"POST"}},
			gateway.RateLimit{WindowSeconds: 60, MaxRequests: 100},
		},
	}
	if err := s.PutPolicy(ctx, "proj-1", 0, p); err != nil {
		t.Fatal("put:", err)
	}

	got, err := s.GetPolicies(ctx, "proj-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if len(got) != 1 {
		t.Fatalf("policies = %d, want 1", len(got))
	}
	if len(got[0].Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(got[0].Rules))
	}
	if _, ok := got[0].Rules[0].(gateway.MethodAllowlist); !ok {
		t.Errorf("rule 0 type = %T, want MethodAllowlist", got[0].Rules[0])
	}
	if rl, ok := got[0].Rules[1].(gateway.RateLimit); !ok || rl.MaxRequests != 100 {
		t.Errorf("rule 1 = %+v, want RateLimit{MaxRequests:100}", got[0].Rules[1])
	}

	if err := s.DeletePolicy(ctx, "pol-1"); err != nil {
		t.Fatal("delete:", err)
	}
	got, err = s.GetPolicies(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("policies after delete = %d, want 0", len(got))
	}
}

func TestAuditInsertAndDowngrade(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	entry := &gateway.AuditEntry{
		ID:           "audit-1",
		RequestID:    "req-1",
		ProjectID:    "proj-1",
		TokenID:      "tok-1",
		Method:       "POST",
		Path:         "/v1/chat/completions",
		Model:        "gpt-4o",
		CostUSD:      0.02,
		LogLevel:     2,
		RequestBody:  []byte(`{"model":"gpt-4o"}`),
		ResponseBody: []byte(`{"choices":[]}`),
		CreatedAt:    old,
	}
	if err := s.InsertAuditEntry(ctx, entry); err != nil {
		t.Fatal("insert:", err)
	}

	var bodyCount int
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log_bodies WHERE audit_log_id = ?`, "audit-1",
	).Scan(&bodyCount); err != nil {
		t.Fatal(err)
	}
	if bodyCount != 1 {
		t.Fatalf("body rows = %d, want 1", bodyCount)
	}

	n, err := s.DowngradeDebugEntries(ctx, time.Now().UTC().Add(-1*time.Hour))
	if err != nil {
		t.Fatal("downgrade:", err)
	}
	if n != 1 {
		t.Errorf("downgraded = %d, want 1", n)
	}

	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log_bodies WHERE audit_log_id = ?`, "audit-1",
	).Scan(&bodyCount); err != nil {
		t.Fatal(err)
	}
	if bodyCount != 0 {
		t.Errorf("body rows after downgrade = %d, want 0", bodyCount)
	}

	var level int
	if err := s.read.QueryRowContext(ctx,
		`SELECT log_level FROM audit_logs WHERE id = ?`, "audit-1",
	).Scan(&level); err != nil {
		t.Fatal(err)
	}
	if level != 0 {
		t.Errorf("log level after downgrade = %d, want 0", level)
	}
}

func TestPricingRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	entry := gateway.PricingEntry{
		Provider: "openai", ModelPattern: "gpt-4o*",
		InputPerMillion: 2.5, OutputPerMillion: 10,
	}
	if err := s.PutPricing(ctx, entry); err != nil {
		t.Fatal("put:", err)
	}
	if err := s.RecordLatency(ctx, "gpt-4o", 450); err != nil {
		t.Fatal("latency:", err)
	}

	entries, err := s.ListPricing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ModelPattern != "gpt-4o*" {
		t.Errorf("entries = %+v", entries)
	}

	snap, err := s.ListLatency(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap["gpt-4o"] != 450 {
		t.Errorf("latency = %d, want 450", snap["gpt-4o"])
	}
}

func TestProjectSpendAggregation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, cost := range []float64{0.10, 0.20} {
		if err := s.InsertAuditEntry(ctx, &gateway.AuditEntry{
			ID: "a-" + string(rune('1'+i)), RequestID: "r", ProjectID: "proj-spend",
			TokenID: "t", Method: "POST", Path: "/x", CostUSD: cost, CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.AggregateSpend(ctx, now); err != nil {
		t.Fatal("aggregate:", err)
	}

	spend, err := s.GetProjectSpend(ctx, "proj-spend", gateway.SpendCapDaily, now.Format("2006-01-02"))
	if err != nil {
		t.Fatal(err)
	}
	if spend < 0.29 || spend > 0.31 {
		t.Errorf("daily spend = %f, want ~0.30", spend)
	}

	spend, err = s.GetProjectSpend(ctx, "proj-unknown", gateway.SpendCapDaily, now.Format("2006-01-02"))
	if err != nil {
		t.Fatal(err)
	}
	if spend != 0 {
		t.Errorf("unknown project spend = %f, want 0", spend)
	}
}

func TestApprovalResolution(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateApproval(ctx, "req-approve", "tok-1", 30*time.Second); err != nil {
		t.Fatal("create:", err)
	}

	done := make(chan struct{})
	var status string
	var resolveErr error
	go func() {
		status, resolveErr = s.ResolveApproval(ctx, "req-approve")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.RecordApprovalDecision(ctx, "req-approve", "approved"); err != nil {
		t.Fatal("record decision:", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ResolveApproval did not return in time")
	}
	if resolveErr != nil {
		t.Fatal(resolveErr)
	}
	if status != "approved" {
		t.Errorf("status = %q, want approved", status)
	}
}

func TestApprovalResolution_CtxTimeout(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.CreateApproval(context.Background(), "req-timeout", "tok-1", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.ResolveApproval(ctx, "req-timeout")
	if err == nil {
		t.Error("expected context deadline error")
	}
}
