// Package proxy is the per-request state machine (C12) that wires every
// other component together: auth, policy, rate limiting, spend caps,
// redaction, response caching, credential injection, the upstream call, and
// the audit write. Every stage is strictly sequential within one request, so
// a blocked method never consumes a rate-limit slot and a rate-limited
// request never consumes a cache probe.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/audit"
	"github.com/ailink/egressgw/internal/cachetier"
	"github.com/ailink/egressgw/internal/cost"
	"github.com/ailink/egressgw/internal/inject"
	"github.com/ailink/egressgw/internal/observe"
	"github.com/ailink/egressgw/internal/policy"
	"github.com/ailink/egressgw/internal/redact"
	"github.com/ailink/egressgw/internal/respcache"
	"github.com/ailink/egressgw/internal/storage"
	"github.com/ailink/egressgw/internal/telemetry"
	"github.com/ailink/egressgw/internal/token"
	"github.com/ailink/egressgw/internal/upstream"
	"github.com/ailink/egressgw/internal/vault"
)

// tracer spans one "proxy.Handle" call per inbound request, parented under
// whatever trace context the caller propagated in.
var tracer = telemetry.Tracer("ailinkgw/proxy")

// Deps aggregates every component the orchestrator drives. All fields are
// required except Approvals, which may be nil if no policy in the
// deployment ever attaches a HumanApproval rule; Spend, which may be nil to
// skip spend-cap checks; Observer, which may be nil to skip metrics; and
// Logger, which defaults to slog.Default().
type Deps struct {
	Tokens      *token.Resolver
	Policies    storage.PolicyStore
	Credentials storage.CredentialStore
	Vault       *vault.Vault
	Cache       *respcache.Cache
	RateTier    *cachetier.Tier
	Spend       storage.ProjectSpendStore
	Approvals   storage.ApprovalStore
	Upstream    *upstream.Client
	Pricing     *cost.Table
	Audit       *audit.Pipeline
	Observer    *observe.Hub
	Logger      *slog.Logger
}

// Orchestrator runs the request state machine described in the gateway's
// external interface contract.
type Orchestrator struct {
	d Deps
}

// New returns an Orchestrator over d.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{d: d}
}

// Handle serves one inbound request end to end, writing either a proxied
// upstream response or a canonical error body to w.
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := gateway.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "proxy.Handle", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("http.method", r.Method),
		attribute.String("http.path", r.URL.Path),
	))
	defer span.End()

	entry := &gateway.AuditEntry{RequestID: requestID, Method: r.Method, Path: r.URL.Path}

	tok, err := o.authenticate(ctx, r)
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, err)
		return
	}
	entry.ProjectID = tok.ProjectID
	entry.TokenID = tok.ID
	ctx = gateway.ContextWithToken(ctx, tok)

	policies, err := o.d.Policies.GetPolicies(ctx, tok.ProjectID)
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, gateway.ErrInternal(err))
		return
	}

	srcIP := sourceIP(r)
	decision := policy.Evaluate(policies, policy.Request{Method: r.Method, Path: r.URL.Path, Now: time.Now(), SrcIP: srcIP})
	entry.Policies = decision.Summaries
	entry.ShadowViolations = decision.ShadowViolations
	if !decision.Allowed {
		o.fail(ctx, w, requestID, entry, start, gateway.ErrPolicyDenied(decision.DenyPolicyID, decision.DenyReason))
		return
	}

	if err := o.checkRateLimit(ctx, tok, policies); err != nil {
		o.fail(ctx, w, requestID, entry, start, err)
		return
	}
	if err := o.checkSpendCap(ctx, tok, policies); err != nil {
		o.fail(ctx, w, requestID, entry, start, err)
		return
	}

	const maxRequestBodyBytes = 10 << 20
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, gateway.ErrValidation("could not read request body"))
		return
	}
	if len(body) > maxRequestBodyBytes {
		o.fail(ctx, w, requestID, entry, start, gateway.ErrPayloadTooLarge(maxRequestBodyBytes))
		return
	}
	entry.RequestBody = body

	var chatReq gateway.ChatRequest
	_ = json.Unmarshal(body, &chatReq)
	entry.Model = chatReq.Model

	redactRule, hasRedact := findRequestRedact(policies)
	if hasRedact {
		res, err := redact.Apply(body, r.Header.Get("Content-Type"), redactRule.Patterns, redactRule.Fields, redactRule.OnMatch)
		if err != nil {
			o.fail(ctx, w, requestID, entry, start, gateway.ErrInternal(err))
			return
		}
		if res.Blocked {
			o.fail(ctx, w, requestID, entry, start, gateway.ErrContentBlocked(res.Matched))
			return
		}
		body = res.Body
		entry.RedactedFields = res.Fields
	}

	if !chatReq.Stream && !respcache.OptedOut(r.Header) {
		if key, ok := respcache.Fingerprint(chatReq, tok.ID); ok {
			if cached, hit, _ := o.d.Cache.Get(ctx, key); hit {
				entry.CacheHit = true
				entry.UpstreamStatus = cached.Status
				entry.Model = cached.Model
				entry.PromptTokens = cached.PromptTokens
				entry.CompletionTokens = cached.CompletionTokens
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("X-Request-Id", requestID)
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				o.finish(ctx, entry, start)
				return
			}
		}
	}

	if len(decision.HITLPolicyIDs) > 0 {
		resolution, err := o.awaitApproval(ctx, policies, decision.HITLPolicyIDs, requestID, tok.ID)
		entry.HITLResolution = resolution
		if err != nil {
			o.fail(ctx, w, requestID, entry, start, err)
			return
		}
	}

	upReq, err := o.buildUpstreamRequest(ctx, r, tok, body)
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, err)
		return
	}

	if chatReq.Stream {
		o.handleStream(ctx, w, requestID, entry, start, upReq, body, policies)
		return
	}

	resp, err := o.d.Upstream.Forward(ctx, upReq, body)
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, gateway.ErrUpstreamFailed(err))
		return
	}
	entry.UpstreamStatus = resp.StatusCode

	if respRule, ok := findResponseRedact(policies); ok {
		res, err := redact.Apply(respBody, resp.Header.Get("Content-Type"), respRule.Patterns, respRule.Fields, respRule.OnMatch)
		if err == nil && !res.Blocked {
			respBody = res.Body
			entry.RedactedFields = append(entry.RedactedFields, res.Fields...)
		}
	}

	usage, found := cost.Extract(respBody)
	if found {
		entry.Model = usage.Model
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.CostUSD = cost.PriceUSD(o.d.Pricing, usage)
	}

	if !chatReq.Stream && resp.StatusCode < 300 {
		if key, ok := respcache.Fingerprint(chatReq, tok.ID); ok {
			_ = o.d.Cache.Store(ctx, key, gateway.CachedResponse{
				Status: resp.StatusCode, Body: respBody,
				ContentType: resp.Header.Get("Content-Type"),
				Model: usage.Model, PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens,
			})
		}
	}

	entry.ResponseBody = respBody
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	o.finish(ctx, entry, start)
}

// handleStream is the `forward_raw` path (spec §4.8): one-shot, no retry,
// since an SSE body can't be safely replayed once bytes have reached the
// client. The live stream is copied to w chunk by chunk and flushed
// immediately so the client sees it with no added latency; a parallel
// StreamSanitizer accumulates the same chunks so a PII span split across a
// chunk boundary is still caught once the full text is assembled. Only that
// accumulated buffer is ever redacted -- the bytes already sent to the
// client are never touched, per the documented streaming-redaction
// semantics.
func (o *Orchestrator) handleStream(ctx context.Context, w http.ResponseWriter, requestID string, entry *gateway.AuditEntry, start time.Time, upReq *http.Request, body []byte, policies []gateway.Policy) {
	upReq.Body = io.NopCloser(bytes.NewReader(body))

	resp, err := o.d.Upstream.ForwardRaw(ctx, upReq)
	if err != nil {
		o.fail(ctx, w, requestID, entry, start, err)
		return
	}
	defer resp.Body.Close()

	entry.UpstreamStatus = resp.StatusCode
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	respRule, hasRespRule := findResponseRedact(policies)
	sanitizer := redact.NewStreamSanitizer(respRule.Patterns)

	firstByte := true
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if firstByte {
				entry.TTFTMs = time.Since(start).Milliseconds()
				firstByte = false
			}
			if _, writeErr := w.Write(chunk); writeErr != nil {
				o.d.Logger.Error("stream write to client failed", "request_id", requestID, "error", writeErr)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			sanitizer.Feed(chunk)
		}
		if readErr != nil {
			if readErr != io.EOF {
				o.d.Logger.Error("stream read from upstream failed", "request_id", requestID, "error", readErr)
			}
			break
		}
	}

	// Blocking is meaningless once bytes have already reached the client, so
	// the audit copy is always redacted (never blocked) for a streamed
	// response.
	entry.ResponseBody = sanitizer.Buffered()
	if hasRespRule {
		res, err := redact.Apply(sanitizer.Buffered(), "text/event-stream", respRule.Patterns, respRule.Fields, gateway.OnMatchRedact)
		if err == nil {
			entry.ResponseBody = res.Body
			entry.RedactedFields = append(entry.RedactedFields, res.Fields...)
		}
	}

	if usage, found := cost.Extract(entry.ResponseBody); found {
		entry.Model = usage.Model
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.CostUSD = cost.PriceUSD(o.d.Pricing, usage)
	}

	o.finish(ctx, entry, start)
}

func (o *Orchestrator) authenticate(ctx context.Context, r *http.Request) (*gateway.Token, error) {
	bearer := extractBearer(r.Header.Get("Authorization"))
	if bearer == "" {
		return nil, gateway.ErrTokenNotFound()
	}
	return o.d.Tokens.Resolve(ctx, bearer)
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func sourceIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// checkRateLimit enforces every RateLimit rule across the token's policies
// using the distributed atomic counter, keyed per token, per policy and per
// window length.
func (o *Orchestrator) checkRateLimit(ctx context.Context, tok *gateway.Token, policies []gateway.Policy) error {
	for _, p := range policies {
		for _, rule := range p.Rules {
			rl, ok := rule.(gateway.RateLimit)
			if !ok {
				continue
			}
			window := time.Duration(rl.WindowSeconds) * time.Second
			key := fmt.Sprintf("ratelimit:%s:%s:%d", tok.ID, p.ID, rl.WindowSeconds)
			count, err := o.d.RateTier.Increment(ctx, key, window)
			if err != nil {
				return gateway.ErrInternal(err)
			}
			if count > int64(rl.MaxRequests) {
				return gateway.ErrRateLimitExceeded(rl.WindowSeconds)
			}
		}
	}
	return nil
}

// checkSpendCap enforces every SpendCap rule against period-to-date spend.
func (o *Orchestrator) checkSpendCap(ctx context.Context, tok *gateway.Token, policies []gateway.Policy) error {
	if o.d.Spend == nil {
		return nil
	}
	for _, p := range policies {
		for _, rule := range p.Rules {
			sc, ok := rule.(gateway.SpendCap)
			if !ok {
				continue
			}
			periodKey := periodKeyFor(sc.Window, time.Now())
			spent, err := o.d.Spend.GetProjectSpend(ctx, tok.ProjectID, sc.Window, periodKey)
			if err != nil {
				return gateway.ErrInternal(err)
			}
			if spent >= sc.MaxUSD {
				return gateway.ErrSpendCapReached(string(sc.Window))
			}
		}
	}
	return nil
}

func periodKeyFor(window gateway.SpendCapWindow, now time.Time) string {
	switch window {
	case gateway.SpendCapDaily:
		return now.UTC().Format("2006-01-02")
	case gateway.SpendCapMonthly:
		return now.UTC().Format("2006-01")
	default:
		return now.UTC().Format("2006-01-02")
	}
}

func findRequestRedact(policies []gateway.Policy) (gateway.Redact, bool) {
	return findRedact(policies, gateway.RedactRequest)
}

func findResponseRedact(policies []gateway.Policy) (gateway.Redact, bool) {
	return findRedact(policies, gateway.RedactResponse)
}

func findRedact(policies []gateway.Policy, dir gateway.RedactDirection) (gateway.Redact, bool) {
	for _, p := range policies {
		for _, rule := range p.Rules {
			if rd, ok := rule.(gateway.Redact); ok && rd.Direction == dir {
				return rd, true
			}
		}
	}
	return gateway.Redact{}, false
}

// awaitApproval blocks on the first HITL policy's approval rule until
// resolved or its timeout elapses, applying the rule's declared fallback.
func (o *Orchestrator) awaitApproval(ctx context.Context, policies []gateway.Policy, policyIDs []string, requestID, tokenID string) (string, error) {
	if o.d.Approvals == nil || len(policyIDs) == 0 {
		return "", nil
	}
	rule, ok := findHITLRule(policies, policyIDs[0])
	if !ok {
		return "", nil
	}

	if err := o.d.Approvals.CreateApproval(ctx, requestID, tokenID, rule.Timeout); err != nil {
		return "", gateway.ErrInternal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, rule.Timeout)
	defer cancel()

	resolution, err := o.d.Approvals.ResolveApproval(waitCtx, requestID)
	if err != nil {
		if rule.Fallback == gateway.FallbackApprove {
			return "timeout", nil
		}
		return "timeout", gateway.ErrApprovalTimeout()
	}
	if resolution == "rejected" {
		return "rejected", gateway.ErrApprovalRejected()
	}
	return "approved", nil
}

func findHITLRule(policies []gateway.Policy, policyID string) (gateway.HumanApproval, bool) {
	for _, p := range policies {
		if p.ID != policyID {
			continue
		}
		for _, rule := range p.Rules {
			if ha, ok := rule.(gateway.HumanApproval); ok {
				return ha, true
			}
		}
	}
	return gateway.HumanApproval{}, false
}

// buildUpstreamRequest resolves the credential (if any), constructs the
// outbound request against the token's upstream URL, and injects the secret.
func (o *Orchestrator) buildUpstreamRequest(ctx context.Context, r *http.Request, tok *gateway.Token, body []byte) (*http.Request, error) {
	upReq, err := http.NewRequestWithContext(ctx, r.Method, tok.UpstreamURL+r.URL.Path, nil)
	if err != nil {
		return nil, gateway.ErrInternal(err)
	}
	upReq.Header = r.Header.Clone()
	upReq.ContentLength = int64(len(body))

	if tok.CredentialID == "" {
		inject.ApplyPassthrough(upReq)
		return upReq, nil
	}

	cred, err := o.d.Credentials.GetCredential(ctx, tok.CredentialID)
	if err != nil || cred == nil {
		return nil, gateway.ErrCredentialMissing()
	}
	secret, err := o.d.Vault.Decrypt(vault.Sealed{
		EncryptedDEK: cred.EncryptedDEK, DEKNonce: cred.DEKNonce,
		EncryptedSecret: cred.EncryptedSecret, SecretNonce: cred.SecretNonce,
	})
	if err != nil {
		return nil, gateway.ErrCredentialMissing()
	}
	defer zero(secret)

	if err := inject.Apply(ctx, upReq, cred.InjectionMode, secret, cred.InjectionHeader); err != nil {
		return nil, gateway.ErrInternal(err)
	}
	return upReq, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (o *Orchestrator) finish(ctx context.Context, entry *gateway.AuditEntry, start time.Time) {
	entry.TotalMs = time.Since(start).Milliseconds()
	o.d.Audit.Record(entry)
	if o.d.Observer != nil {
		o.d.Observer.Report(observe.Outcome{
			Method: entry.Method, Path: entry.Path, Status: entry.UpstreamStatus,
			Duration: time.Since(start), Model: entry.Model,
			PromptTokens: entry.PromptTokens, CompletionTok: entry.CompletionTokens,
			CostUSD: entry.CostUSD, CacheHit: entry.CacheHit,
		})
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Int("http.status_code", entry.UpstreamStatus),
			attribute.String("model", entry.Model),
			attribute.Bool("cache_hit", entry.CacheHit),
		)
	}
}

// fail writes the canonical error response and still records an audit entry,
// since even a denied request is an auditable event.
func (o *Orchestrator) fail(ctx context.Context, w http.ResponseWriter, requestID string, entry *gateway.AuditEntry, start time.Time, err error) {
	appErr := toAppError(err)
	entry.UpstreamStatus = appErr.HTTPStatus()
	WriteError(w, requestID, appErr)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(appErr)
		span.SetStatus(codes.Error, appErr.Message)
	}
	o.finish(ctx, entry, start)
}

func toAppError(err error) *gateway.AppError {
	if ae, ok := err.(*gateway.AppError); ok {
		return ae
	}
	return gateway.ErrInternal(err)
}

// errorBody is the canonical JSON error response shape.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError is the single boundary function converting an AppError to an
// HTTP response; nothing upstream of this inspects HTTP status codes.
func WriteError(w http.ResponseWriter, requestID string, err *gateway.AppError) {
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if err.Code == gateway.CodeRateLimitExceeded {
		if ra, ok := err.Details["retry_after"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(ra))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code: string(err.Code), Message: err.Message, Type: err.Category(),
		RequestID: requestID, Details: err.Details,
	}})
}
