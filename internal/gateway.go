// Package gateway defines the domain types shared across the egress gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Token ---

// Token is the virtual bearer credential an agent authenticates with.
// It is never mutated by the core; lifecycle (create/revoke) is owned by
// the external management surface.
type Token struct {
	ID            string            `json:"id"` // the opaque bearer string itself, used as lookup key
	ProjectID     string            `json:"project_id"`
	CredentialID  string            `json:"credential_id,omitempty"` // empty => passthrough credential
	UpstreamURL   string            `json:"upstream_url"`
	IsActive      bool              `json:"is_active"`
	AllowedModels []string          `json:"allowed_models,omitempty"` // glob patterns; nil = all models
	TeamID        string            `json:"team_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Role          string            `json:"role,omitempty"`
	Scopes        []string          `json:"scopes,omitempty"`
}

// --- Policy & Rule (tagged sum) ---

// PolicyMode controls whether a policy's violations block the request.
type PolicyMode string

const (
	ModeEnforce PolicyMode = "enforce"
	ModeShadow  PolicyMode = "shadow"
)

// Policy is an ordered list of rules attached to a token via its project.
type Policy struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Mode  PolicyMode `json:"mode"`
	Rules []Rule     `json:"rules"`
}

// Rule is the closed tagged-sum of policy rule variants. Each implementation
// carries its own kind() so evaluators can exhaustively type-switch without
// a risk of silently ignoring an unrecognized case.
type Rule interface {
	kind() string
}

// MethodAllowlist permits only the listed HTTP methods (case-insensitive).
type MethodAllowlist struct {
	Methods []string `json:"methods"`
}

// PathAllowlist permits only paths matching one of the glob patterns.
// Glob support: exact match, trailing "/*", trailing "*", or bare "*".
type PathAllowlist struct {
	Patterns []string `json:"patterns"`
}

// RateLimit bounds request count in a rolling window. Enforcement happens
// outside the evaluator proper (it needs counter state); it is represented
// here only so policy composition stays uniform.
type RateLimit struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRequests   int `json:"max_requests"`
}

// SpendCapWindow is the accounting period for a SpendCap rule.
type SpendCapWindow string

const (
	SpendCapDaily   SpendCapWindow = "daily"
	SpendCapMonthly SpendCapWindow = "monthly"
)

// SpendCap bounds cumulative spend in a window. Like RateLimit, enforcement
// requires counter state and happens outside the evaluator.
type SpendCap struct {
	Window SpendCapWindow `json:"window"`
	MaxUSD float64        `json:"max_usd"`
}

// ApprovalFallback is what happens to a HITL-gated request if no reviewer
// responds before the timeout.
type ApprovalFallback string

const (
	FallbackApprove ApprovalFallback = "approve"
	FallbackReject  ApprovalFallback = "reject"
)

// HumanApproval marks the request as requiring a human-in-the-loop decision.
// Evaluation never blocks on it; AWAIT_APPROVAL is a separate orchestrator state.
type HumanApproval struct {
	Timeout  time.Duration    `json:"timeout"`
	Fallback ApprovalFallback `json:"fallback"`
}

// TimeWindow permits requests only within a daily wall-clock window, UTC.
type TimeWindow struct {
	StartHourUTC int `json:"start_hour_utc"`
	EndHourUTC   int `json:"end_hour_utc"`
}

// IPAllowlist permits only the listed CIDR blocks or exact addresses.
type IPAllowlist struct {
	CIDRs []string `json:"cidrs"`
}

// RedactDirection is which side of the exchange a Redact rule applies to.
type RedactDirection string

const (
	RedactRequest  RedactDirection = "request"
	RedactResponse RedactDirection = "response"
)

// RedactOnMatch controls what happens when a Redact rule's patterns match.
type RedactOnMatch string

const (
	OnMatchRedact RedactOnMatch = "redact"
	OnMatchBlock  RedactOnMatch = "block"
)

// Redact names which PII pattern types to apply, optionally scoped to
// specific JSON field paths, and what to do on a match.
type Redact struct {
	Direction RedactDirection `json:"direction"`
	Patterns  []string        `json:"patterns"` // subset of {email, credit_card, ssn, api_key}
	Fields    []string        `json:"fields,omitempty"`
	OnMatch   RedactOnMatch   `json:"on_match"`
}

func (MethodAllowlist) kind() string { return "method_allowlist" }
func (PathAllowlist) kind() string   { return "path_allowlist" }
func (RateLimit) kind() string       { return "rate_limit" }
func (SpendCap) kind() string        { return "spend_cap" }
func (HumanApproval) kind() string   { return "human_approval" }
func (TimeWindow) kind() string      { return "time_window" }
func (IPAllowlist) kind() string     { return "ip_allowlist" }
func (Redact) kind() string          { return "redact" }

// --- Credential ---

// InjectionMode selects how a decrypted secret is applied to an upstream request.
type InjectionMode string

const (
	InjectBearer InjectionMode = "bearer"
	InjectBasic  InjectionMode = "basic"
	InjectHeader InjectionMode = "header"
	InjectQuery  InjectionMode = "query"
	InjectSigV4  InjectionMode = "sigv4"
)

// CredentialBlob is the immutable envelope-encrypted record of an upstream
// secret. The four byte strings are produced by Vault.Encrypt and consumed
// by Vault.Decrypt; they are never embedded in a Token.
type CredentialBlob struct {
	ID              string        `json:"id"`
	Provider        string        `json:"provider"`
	EncryptedDEK    []byte        `json:"-"`
	DEKNonce        []byte        `json:"-"`
	EncryptedSecret []byte        `json:"-"`
	SecretNonce     []byte        `json:"-"`
	InjectionMode   InjectionMode `json:"injection_mode"`
	InjectionHeader string        `json:"injection_header,omitempty"`
}

// --- Cache ---

// CachedResponse is what the response cache (C6) stores and replays.
type CachedResponse struct {
	Status           int    `json:"status"`
	Body             []byte `json:"body"`
	ContentType      string `json:"content_type"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// MaxCachedResponseBytes bounds the serialized size of a CachedResponse.
const MaxCachedResponseBytes = 256 * 1024

// DefaultCacheTTL is the default Response Cache entry lifetime.
const DefaultCacheTTL = 300 * time.Second

// --- Audit ---

// PolicySummary captures one policy's contribution to the final decision.
type PolicySummary struct {
	PolicyID    string   `json:"policy_id"`
	Mode        string   `json:"mode"`
	Violations  []string `json:"violations,omitempty"`
	Terminal    bool     `json:"terminal"`
	DenyReason  string   `json:"deny_reason,omitempty"`
}

// AuditEntry captures everything an operator needs to reconstruct a request.
// At most one entry exists per accepted request; entries are append-only.
type AuditEntry struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	ProjectID        string          `json:"project_id"`
	TokenID          string          `json:"token_id"`
	Method           string          `json:"method"`
	Path             string          `json:"path"`
	Policies         []PolicySummary `json:"policies,omitempty"`
	ShadowViolations []string        `json:"shadow_violations,omitempty"`
	HITLResolution   string          `json:"hitl_resolution,omitempty"` // "", "approved", "rejected", "timeout"
	UpstreamStatus   int             `json:"upstream_status"`
	TotalMs          int64           `json:"total_ms"`
	TTFTMs           int64           `json:"ttft_ms,omitempty"`
	TokensPerSec     float64         `json:"tokens_per_sec,omitempty"`
	RedactedFields   []string        `json:"redacted_fields,omitempty"`
	CostUSD          float64         `json:"cost_usd"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	ToolCalls        int             `json:"tool_calls,omitempty"`
	CacheHit         bool            `json:"cache_hit"`
	PayloadURL       string          `json:"payload_url,omitempty"` // offloaded object-store key
	LogLevel         int             `json:"log_level"`
	RequestBody      []byte          `json:"-"`
	ResponseBody     []byte          `json:"-"`
	RequestHeaders   map[string]string `json:"-"`
	ResponseHeaders  map[string]string `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
}

// --- Pricing & latency snapshots ---

// PricingEntry maps a provider/model pattern to per-million-token rates.
// First-match-by-insertion wins within the hot snapshot.
type PricingEntry struct {
	Provider        string  `json:"provider"`
	ModelPattern    string  `json:"model_pattern"`
	InputPerMillion float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// LatencySnapshot maps model name to recent p50 latency in ms.
type LatencySnapshot map[string]int64

// --- Usage extracted from an upstream response ---

// Usage is the provider-agnostic token accounting extracted by the Cost Extractor.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// --- Request context helpers ---

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyToken
)

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithToken attaches the resolved Token to the context.
func ContextWithToken(ctx context.Context, t *Token) context.Context {
	return context.WithValue(ctx, ctxKeyToken, t)
}

// TokenFromContext extracts the resolved Token from context, or nil.
func TokenFromContext(ctx context.Context) *Token {
	t, _ := ctx.Value(ctxKeyToken).(*Token)
	return t
}

// --- Wire-level chat request shape (OpenAI-compatible; provider-agnostic) ---

// ChatRequest is the subset of an OpenAI-compatible chat completion request
// the core needs to inspect: route, fingerprint, and forward.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature json.RawMessage `json:"temperature,omitempty"`
	MaxTokens   json.RawMessage `json:"max_tokens,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}
