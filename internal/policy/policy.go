// Package policy evaluates a token's ordered policy chain against a single
// request's static attributes (method, path, time, source IP). Rules that
// need external counter state (RateLimit, SpendCap) are recognized here but
// enforced by their owning components (cachetier-backed rate limiting, the
// spend-cap check in the proxy orchestrator); this package only decides
// whether a request is structurally permitted.
package policy

import (
	"net"
	"strings"
	"time"

	gateway "github.com/ailink/egressgw/internal"
)

// Request is the subset of an inbound call a policy evaluates against.
type Request struct {
	Method string
	Path   string
	Now    time.Time
	SrcIP  net.IP
}

// Decision is the evaluator's final verdict once every policy in the chain
// has been considered.
type Decision struct {
	Allowed          bool
	DenyPolicyID     string
	DenyReason       string
	ShadowViolations []string        // "policy_id:violation" pairs from shadow-mode policies
	HITLPolicyIDs    []string        // enforce-mode policies carrying a HumanApproval marker
	Summaries        []gateway.PolicySummary
}

// Evaluate walks policies in order. Within a policy, every rule is checked;
// an enforce-mode policy with any violation is terminal and short-circuits
// the remaining chain. A shadow-mode policy's violations are recorded but
// never block. A HumanApproval rule on an otherwise-passing enforce policy
// is recorded as pending approval, but does not itself block evaluation --
// if the same policy also has a genuine violation, the violation wins and
// the HITL marker is dropped, since there is nothing left to approve.
func Evaluate(policies []gateway.Policy, req Request) Decision {
	d := Decision{Allowed: true}

	for _, p := range policies {
		var violations []string
		var hitl bool

		for _, rule := range p.Rules {
			if v, ok := rule.(gateway.HumanApproval); ok {
				_ = v
				hitl = true
				continue
			}
			if reason, ok := checkRule(rule, req); !ok {
				violations = append(violations, reason)
			}
		}

		summary := gateway.PolicySummary{
			PolicyID:   p.ID,
			Mode:       string(p.Mode),
			Violations: violations,
		}

		if len(violations) > 0 {
			if p.Mode == gateway.ModeEnforce {
				summary.Terminal = true
				summary.DenyReason = violations[0]
				d.Summaries = append(d.Summaries, summary)
				d.Allowed = false
				d.DenyPolicyID = p.ID
				d.DenyReason = violations[0]
				return d
			}
			for _, v := range violations {
				d.ShadowViolations = append(d.ShadowViolations, p.ID+":"+v)
			}
		} else if hitl && p.Mode == gateway.ModeEnforce {
			d.HITLPolicyIDs = append(d.HITLPolicyIDs, p.ID)
		}

		d.Summaries = append(d.Summaries, summary)
	}

	return d
}

// checkRule evaluates a single static rule, returning (violationReason, ok).
// ok is true when the rule passes. RateLimit and SpendCap always pass here;
// they carry no static predicate and are enforced by counter-backed checks
// elsewhere in the request pipeline.
func checkRule(rule gateway.Rule, req Request) (string, bool) {
	switch r := rule.(type) {
	case gateway.MethodAllowlist:
		for _, m := range r.Methods {
			if strings.EqualFold(m, req.Method) {
				return "", true
			}
		}
		return "method not allowed", false

	case gateway.PathAllowlist:
		for _, pat := range r.Patterns {
			if matchGlob(pat, req.Path) {
				return "", true
			}
		}
		return "path not allowed", false

	case gateway.TimeWindow:
		hour := req.Now.UTC().Hour()
		if inWindow(hour, r.StartHourUTC, r.EndHourUTC) {
			return "", true
		}
		return "outside allowed time window", false

	case gateway.IPAllowlist:
		if req.SrcIP == nil {
			return "source ip unknown", false
		}
		for _, cidr := range r.CIDRs {
			if ipMatches(cidr, req.SrcIP) {
				return "", true
			}
		}
		return "source ip not allowed", false

	case gateway.RateLimit, gateway.SpendCap, gateway.Redact:
		return "", true

	default:
		return "", true
	}
}

// matchGlob supports exact match, a trailing "/*" (one path segment),
// a trailing "*" (any suffix), and a bare "*" (match everything).
func matchGlob(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		rest := strings.TrimPrefix(path, prefix+"/")
		return rest != path && !strings.Contains(rest, "/")
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	}
	return pattern == path
}

// inWindow handles windows that wrap past midnight (start > end).
func inWindow(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func ipMatches(cidr string, ip net.IP) bool {
	if !strings.Contains(cidr, "/") {
		return net.ParseIP(cidr).Equal(ip)
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}
