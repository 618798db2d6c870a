// Package observe is the Observer Hub: a single fan-out point the proxy
// orchestrator reports request outcomes to. It forwards to Prometheus
// (internal/telemetry) and an optional UDP statsd-line exporter (tracing
// spans are opened by the proxy itself, not here), capping label cardinality so a runaway label value
// (an unbounded model name, a malicious path) can never blow up memory in
// the underlying collectors. No exporter call is allowed to block or panic
// the request path; errors are swallowed after a single log line.
package observe

import (
	"log/slog"
	"net"
	"sync"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/telemetry"
)

// maxLabelCombos bounds the number of distinct label-value combinations the
// Hub will track per dimension before collapsing further ones to "other".
const maxLabelCombos = 10_000

// Outcome is everything the orchestrator knows about a finished request.
type Outcome struct {
	Method         string
	Path           string
	Status         int
	Duration       time.Duration
	Model          string
	PromptTokens   int
	CompletionTok  int
	CostUSD        float64
	CacheHit       bool
	DeniedPolicyID string
	DeniedMode     string
	RedactedFields []string
	UpstreamHost   string
	BreakerState   int // 0=closed, 1=open, 2=half_open
	BreakerReject  bool
}

// Hub fans out Outcomes to every configured exporter.
type Hub struct {
	metrics *telemetry.Metrics
	logger  *slog.Logger
	udp     net.Conn // nil disables the statsd exporter

	mu     sync.Mutex
	labels map[string]int // label dimension -> distinct values seen
}

// New returns a Hub reporting to metrics. statsdAddr may be empty to disable
// the UDP exporter.
func New(metrics *telemetry.Metrics, statsdAddr string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{metrics: metrics, logger: logger, labels: map[string]int{}}
	if statsdAddr != "" {
		conn, err := net.Dial("udp", statsdAddr)
		if err != nil {
			logger.Warn("observe: statsd exporter disabled, dial failed", "addr", statsdAddr, "error", err)
		} else {
			h.udp = conn
		}
	}
	return h
}

// capLabel collapses a label value to "other" once its dimension has seen
// maxLabelCombos distinct values, bounding the cardinality any one exporter
// is exposed to regardless of how many distinct values callers send.
func (h *Hub) capLabel(dimension, value string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := dimension + ":" + value
	if _, seen := h.labels[key]; seen {
		return value
	}
	if h.labels[dimension] >= maxLabelCombos {
		return "other"
	}
	h.labels[dimension]++
	h.labels[key] = 1
	return value
}

// Report records a finished request against every configured exporter. It
// never returns an error: a broken exporter degrades observability, not the
// proxied request.
func (h *Hub) Report(o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("observe: exporter panicked, dropping outcome", "panic", r)
		}
	}()

	path := h.capLabel("path", o.Path)
	model := h.capLabel("model", o.Model)
	host := h.capLabel("host", o.UpstreamHost)

	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(o.Method, path, statusLabel(o.Status)).Inc()
		h.metrics.RequestDuration.WithLabelValues(o.Method, path).Observe(o.Duration.Seconds())
		if o.CacheHit {
			h.metrics.CacheHits.Inc()
		} else {
			h.metrics.CacheMisses.Inc()
		}
		if o.DeniedPolicyID != "" {
			h.metrics.PolicyDenials.WithLabelValues(o.DeniedPolicyID, o.DeniedMode).Inc()
		}
		for _, f := range o.RedactedFields {
			h.metrics.RedactionsTotal.WithLabelValues(f).Inc()
		}
		if o.CostUSD > 0 {
			h.metrics.SpendUSDTotal.WithLabelValues(model).Add(o.CostUSD)
		}
		if o.PromptTokens > 0 {
			h.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(o.PromptTokens))
		}
		if o.CompletionTok > 0 {
			h.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(o.CompletionTok))
		}
		if host != "" {
			h.metrics.CircuitBreakerState.WithLabelValues(host).Set(float64(o.BreakerState))
			if o.BreakerReject {
				h.metrics.CircuitBreakerRejects.WithLabelValues(host).Inc()
			}
		}
	}

	h.sendStatsd(o, path, model)
}

func statusLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// RecordAuditDropped increments the dropped-audit-entry counter. The audit
// pipeline does not call it: audit.Pipeline.Record logs a warning when it
// drops an entry on a full channel but does not increment this counter.
func (h *Hub) RecordAuditDropped() {
	if h.metrics != nil {
		h.metrics.AuditDropped.Inc()
	}
}
