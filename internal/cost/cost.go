// Package cost extracts token usage from an upstream response body and
// prices it against a hot-reloadable pricing snapshot. All arithmetic is
// done in integer micro-dollars (1e-6 USD) so repeated additions across a
// billing period never drift the way floating-point dollars would.
package cost

import (
	"math"
	"sync"

	"github.com/tidwall/gjson"

	gateway "github.com/ailink/egressgw/internal"
)

// microsPerDollar is the fixed-point scale: cost stored as int64 micros.
const microsPerDollar = 1_000_000

// Extract pulls {model, usage.{prompt|input}_tokens, usage.{completion|output}_tokens}
// out of a non-streaming JSON response body. It recognizes both the OpenAI
// and Anthropic usage field names.
func Extract(body []byte) (gateway.Usage, bool) {
	if !gjson.ValidBytes(body) {
		return gateway.Usage{}, false
	}
	root := gjson.ParseBytes(body)
	var u gateway.Usage
	u.Model = root.Get("model").String()

	usage := root.Get("usage")
	if !usage.Exists() {
		return u, false
	}

	found := false
	if pt := usage.Get("prompt_tokens"); pt.Exists() {
		u.PromptTokens = int(pt.Int())
		found = true
	} else if it := usage.Get("input_tokens"); it.Exists() {
		u.PromptTokens = int(it.Int())
		found = true
	}
	if ct := usage.Get("completion_tokens"); ct.Exists() {
		u.CompletionTokens = int(ct.Int())
		found = true
	} else if ot := usage.Get("output_tokens"); ot.Exists() {
		u.CompletionTokens = int(ot.Int())
		found = true
	}
	return u, found
}

// defaultPricing is used for any model with no match in the hot snapshot, so
// an unrecognized model still produces a (conservative) cost rather than
// silently billing zero.
var defaultPricing = gateway.PricingEntry{
	Provider: "default", ModelPattern: "*",
	InputPerMillion: 5.0, OutputPerMillion: 15.0,
}

// Table holds the hot-reloadable pricing snapshot. The zero value has no
// entries and always falls back to defaultPricing.
type Table struct {
	mu      sync.RWMutex
	entries []gateway.PricingEntry
}

// Reload atomically replaces the pricing snapshot.
func (t *Table) Reload(entries []gateway.PricingEntry) {
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
}

// lookup returns the first entry whose ModelPattern is a substring of model,
// matching insertion order, or defaultPricing if none match.
func (t *Table) lookup(model string) gateway.PricingEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.ModelPattern == "*" || containsFold(model, e.ModelPattern) {
			return e
		}
	}
	return defaultPricing
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return indexFold(haystack, needle) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// PriceMicros computes the cost of u in integer micro-dollars, using t's hot
// snapshot (or the built-in default if t is nil or has no match). The only
// float64 in this path is the one-time conversion of the operator-configured
// dollars-per-million-tokens rate into an integer; the per-token scaling
// itself is pure int64 arithmetic with round-half-up, so summing costs across
// a billing period never drifts the way repeated float64 multiplication
// would, and a sub-micro remainder is rounded rather than dropped.
func PriceMicros(t *Table, u gateway.Usage) int64 {
	var entry gateway.PricingEntry
	if t != nil {
		entry = t.lookup(u.Model)
	} else {
		entry = defaultPricing
	}
	inputRate := microsPerMillionRate(entry.InputPerMillion)
	outputRate := microsPerMillionRate(entry.OutputPerMillion)
	return priceTokens(u.PromptTokens, inputRate) + priceTokens(u.CompletionTokens, outputRate)
}

// microsPerMillionRate converts a dollars-per-million-tokens rate (as
// authored by an operator in config or storage) into integer
// micro-dollars-per-million-tokens, rounding to the nearest micro-dollar.
func microsPerMillionRate(dollarsPerMillion float64) int64 {
	return int64(math.Round(dollarsPerMillion * microsPerDollar))
}

// priceTokens multiplies a token count by a micro-dollars-per-million-tokens
// rate, dividing back down by the million-token scale with round-half-up
// rather than Go's truncate-toward-zero integer division.
func priceTokens(tokens int, microsPerMillion int64) int64 {
	num := int64(tokens) * microsPerMillion
	return (num + 500_000) / 1_000_000
}

// PriceUSD is PriceMicros converted back to float dollars, for display and
// for the audit entry's CostUSD field (storage persists only this float
// value; the integer micros are not stored).
func PriceUSD(t *Table, u gateway.Usage) float64 {
	return float64(PriceMicros(t, u)) / microsPerDollar
}
