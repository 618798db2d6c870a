package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/audit"
	"github.com/ailink/egressgw/internal/cachetier"
	"github.com/ailink/egressgw/internal/cost"
	"github.com/ailink/egressgw/internal/observe"
	"github.com/ailink/egressgw/internal/respcache"
	"github.com/ailink/egressgw/internal/telemetry"
	"github.com/ailink/egressgw/internal/token"
	"github.com/ailink/egressgw/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeTokenStore struct {
	tokens map[string]*gateway.Token
}

func (f *fakeTokenStore) GetToken(_ context.Context, id string) (*gateway.Token, error) {
	return f.tokens[id], nil
}

type fakePolicyStore struct {
	policies []gateway.Policy
}

func (f *fakePolicyStore) GetPolicies(_ context.Context, _ string) ([]gateway.Policy, error) {
	return f.policies, nil
}

type fakeCredentialStore struct{}

func (fakeCredentialStore) GetCredential(_ context.Context, _ string) (*gateway.CredentialBlob, error) {
	return nil, nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*gateway.AuditEntry
}

func (f *fakeAuditStore) InsertAuditEntry(_ context.Context, e *gateway.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditStore) DowngradeDebugEntries(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeAuditStore) snapshot() []*gateway.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.AuditEntry(nil), f.entries...)
}

// waitForEntries polls until at least n audit entries have landed, failing
// the test if the flush ticker hasn't caught up within the deadline.
func waitForEntries(t *testing.T, store *fakeAuditStore, n int) []*gateway.AuditEntry {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := store.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d audit entries", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newOrchestrator(t *testing.T, upstreamURL string, policies []gateway.Policy) (*Orchestrator, *fakeAuditStore) {
	t.Helper()

	tier, err := cachetier.New(100, nil)
	if err != nil {
		t.Fatal(err)
	}

	tokStore := &fakeTokenStore{tokens: map[string]*gateway.Token{
		"tok_good": {ID: "tok_good", ProjectID: "proj_1", IsActive: true, UpstreamURL: upstreamURL},
		"tok_revoked": {ID: "tok_revoked", ProjectID: "proj_1", IsActive: false, UpstreamURL: upstreamURL},
	}}
	resolver := token.New(tokStore, tier)

	auditStore := &fakeAuditStore{}
	pipeline := audit.New(auditStore, nil, nil)

	reg := prometheus.NewPedanticRegistry()
	hub := observe.New(telemetry.NewMetrics(reg), "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pipeline.Run(ctx)
	upClient := upstream.New(ctx, upstream.DefaultConfig())

	o := New(Deps{
		Tokens:      resolver,
		Policies:    &fakePolicyStore{policies: policies},
		Credentials: fakeCredentialStore{},
		Cache:       respcache.New(tier),
		RateTier:    tier,
		Upstream:    upClient,
		Pricing:     &cost.Table{},
		Audit:       pipeline,
		Observer:    hub,
	})
	return o, auditStore
}

func chatBody(model string) []byte {
	b, _ := json.Marshal(gateway.ChatRequest{Model: model, Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`)})
	return b
}

func TestHandle_NoBearerToken(t *testing.T) {
	o, _ := newOrchestrator(t, "http://unused", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(chatBody("gpt-4o"))))
	rec := httptest.NewRecorder()
	o.Handle(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandle_RevokedToken(t *testing.T) {
	o, _ := newOrchestrator(t, "http://unused", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(chatBody("gpt-4o"))))
	req.Header.Set("Authorization", "Bearer tok_revoked")
	rec := httptest.NewRecorder()
	o.Handle(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandle_PolicyDenied(t *testing.T) {
	policies := []gateway.Policy{
		{ID: "p1", Mode: gateway.ModeEnforce, Rules: []gateway.Rule{
			gateway.MethodAllowlist{Methods: []string{"GET"}},
		}},
	}
	o, _ := newOrchestrator(t, "http://unused", policies)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(chatBody("gpt-4o"))))
	req.Header.Set("Authorization", "Bearer tok_good")
	rec := httptest.NewRecorder()
	o.Handle(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandle_SuccessRoundTrip(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstreamSrv.Close()

	o, auditStore := newOrchestrator(t, upstreamSrv.URL, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(chatBody("gpt-4o"))))
	req.Header.Set("Authorization", "Bearer tok_good")
	rec := httptest.NewRecorder()
	o.Handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
	entries := waitForEntries(t, auditStore, 1)
	if entries[0].PromptTokens != 10 {
		t.Errorf("PromptTokens = %d, want 10", entries[0].PromptTokens)
	}
}

func TestHandle_CacheHitOnSecondCall(t *testing.T) {
	hits := 0
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o","usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer upstreamSrv.Close()

	o, _ := newOrchestrator(t, upstreamSrv.URL, nil)
	body := string(chatBody("gpt-4o"))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer tok_good")
		rec := httptest.NewRecorder()
		o.Handle(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d", i, rec.Code)
		}
	}

	if hits != 1 {
		t.Errorf("upstream hits = %d, want 1 (second call should be served from cache)", hits)
	}
}

func TestHandle_StreamingForwardsLiveAndRedactsAuditCopy(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// Split the email across two writes/flushes so a naive per-chunk scan
		// would miss it; only the reassembled buffer should catch it.
		w.Write([]byte("data: reach me at jane@examp"))
		flusher.Flush()
		w.Write([]byte("le.com thanks\n\n"))
		flusher.Flush()
	}))
	defer upstreamSrv.Close()

	policies := []gateway.Policy{
		{ID: "p1", Mode: gateway.ModeEnforce, Rules: []gateway.Rule{
			gateway.Redact{Direction: gateway.RedactResponse, Patterns: []string{"email"}, OnMatch: gateway.OnMatchRedact},
		}},
	}
	o, auditStore := newOrchestrator(t, upstreamSrv.URL, policies)

	body, _ := json.Marshal(gateway.ChatRequest{
		Model: "gpt-4o", Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`), Stream: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	req.Header.Set("Authorization", "Bearer tok_good")
	rec := httptest.NewRecorder()
	o.Handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "jane@example.com") {
		t.Fatalf("live stream must reach the client byte-for-byte unredacted, got %q", rec.Body.String())
	}

	entries := waitForEntries(t, auditStore, 1)
	audited := string(entries[0].ResponseBody)
	if strings.Contains(audited, "jane@example.com") {
		t.Fatalf("audit copy should redact the email split across chunks, got %q", audited)
	}
	if !strings.Contains(audited, "[REDACTED]") {
		t.Fatalf("expected placeholder in audit copy, got %q", audited)
	}
}

func TestWriteError_SetsRetryAfterHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "req-123", gateway.ErrRateLimitExceeded(30))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-Request-Id") != "req-123" {
		t.Errorf("X-Request-Id = %q", rec.Header().Get("X-Request-Id"))
	}
}
