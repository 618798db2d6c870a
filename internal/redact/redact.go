// Package redact implements PII detection and redaction for request and
// response bodies. Detectors are compiled once at package init. JSON bodies
// are walked field by field (using gjson for reads), so redaction can be
// scoped to named fields; non-JSON text is scanned whole. Binary bodies are
// passed through untouched -- there is nothing safe to do with them here.
package redact

import (
	"encoding/json"
	"regexp"
	"strings"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/tidwall/gjson"
)

// detector is a single compiled PII pattern, named the way the pack names
// them in config ("email", "credit_card", "ssn", "api_key").
type detector struct {
	name string
	re   *regexp.Regexp
}

var detectors = []detector{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"api_key", regexp.MustCompile(`\b(sk|pk|api)-[A-Za-z0-9]{16,}\b`)},
}

func detectorsFor(names []string) []detector {
	if len(names) == 0 {
		return detectors
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]detector, 0, len(names))
	for _, d := range detectors {
		if want[d.name] {
			out = append(out, d)
		}
	}
	return out
}

// Result is the outcome of applying a Redact rule to a body.
type Result struct {
	Body     []byte
	Matched  []string // detector names that matched
	Fields   []string // dotted JSON field paths that were redacted, if scoped
	Blocked  bool
}

const redactedPlaceholder = "[REDACTED]"

// Apply scans body for the named pattern types and either replaces matches
// with a placeholder or reports that the request should be blocked,
// depending on onMatch. If fields is non-empty and the content type is JSON,
// scanning is restricted to those dotted paths; otherwise the whole body
// (as UTF-8 text) is scanned. Non-JSON, non-text bodies pass through with
// Matched == nil.
func Apply(body []byte, contentType string, patternNames []string, fields []string, onMatch gateway.RedactOnMatch) (Result, error) {
	dets := detectorsFor(patternNames)

	if isJSON(contentType) && len(fields) > 0 {
		return applyJSONFields(body, dets, fields, onMatch)
	}
	if isJSON(contentType) {
		return applyJSONWhole(body, dets, onMatch)
	}
	if isText(contentType) {
		matched, redacted := scanText(string(body), dets)
		if len(matched) > 0 && onMatch == gateway.OnMatchBlock {
			return Result{Body: body, Matched: matched, Blocked: true}, nil
		}
		return Result{Body: []byte(redacted), Matched: matched}, nil
	}
	return Result{Body: body}, nil
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "json")
}

func isText(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") || contentType == "" || strings.Contains(contentType, "charset")
}

// scanText returns the distinct detector names that matched and the text
// with every match replaced by the placeholder.
func scanText(s string, dets []detector) ([]string, string) {
	var matched []string
	for _, d := range dets {
		if d.re.MatchString(s) {
			matched = append(matched, d.name)
			s = d.re.ReplaceAllString(s, redactedPlaceholder)
		}
	}
	return matched, s
}

func applyJSONWhole(body []byte, dets []detector, onMatch gateway.RedactOnMatch) (Result, error) {
	matched, redacted := scanText(string(body), dets)
	if len(matched) == 0 {
		return Result{Body: body}, nil
	}
	if onMatch == gateway.OnMatchBlock {
		return Result{Body: body, Matched: matched, Blocked: true}, nil
	}
	// Re-validate the redacted text is still valid JSON; if the placeholder
	// substitution broke structure (e.g. matched inside a key), fall back to
	// returning the original body unredacted-but-flagged rather than ship
	// malformed JSON upstream.
	if !json.Valid([]byte(redacted)) {
		return Result{Body: body, Matched: matched}, nil
	}
	return Result{Body: []byte(redacted), Matched: matched}, nil
}

// applyJSONFields redacts only the named dotted paths, read via gjson and
// rewritten via encoding/json on a generic tree so structure is preserved
// exactly for untouched fields.
func applyJSONFields(body []byte, dets []detector, fields []string, onMatch gateway.RedactOnMatch) (Result, error) {
	var tree any
	if err := json.Unmarshal(body, &tree); err != nil {
		// Not valid JSON despite the declared content type; treat as opaque.
		return Result{Body: body}, nil
	}

	var matched []string
	var touched []string
	blocked := false

	for _, path := range fields {
		val := gjson.GetBytes(body, path)
		if !val.Exists() || val.Type != gjson.String {
			continue
		}
		names, redactedVal := scanText(val.String(), dets)
		if len(names) == 0 {
			continue
		}
		matched = appendUnique(matched, names)
		touched = append(touched, path)
		if onMatch == gateway.OnMatchBlock {
			blocked = true
			continue
		}
		setPath(tree, strings.Split(path, "."), redactedVal)
	}

	if len(matched) == 0 {
		return Result{Body: body}, nil
	}
	if blocked {
		return Result{Body: body, Matched: matched, Fields: touched, Blocked: true}, nil
	}

	out, err := json.Marshal(tree)
	if err != nil {
		return Result{}, err
	}
	return Result{Body: out, Matched: matched, Fields: touched}, nil
}

func appendUnique(dst []string, add []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			dst = append(dst, s)
			seen[s] = true
		}
	}
	return dst
}

// setPath mutates a generic JSON tree (as produced by json.Unmarshal into
// `any`) at the given dotted path, stopping silently if any intermediate
// segment is missing or not a map -- a best-effort write matching the
// best-effort nature of field-scoped redaction.
func setPath(tree any, segments []string, value string) {
	m, ok := tree.(map[string]any)
	if !ok {
		return
	}
	for i, seg := range segments {
		if i == len(segments)-1 {
			if _, exists := m[seg]; exists {
				m[seg] = value
			}
			return
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
}
