package storage

import (
	"encoding/json"
	"fmt"

	gateway "github.com/ailink/egressgw/internal"
)

// ruleEnvelope is the tagged-union wire shape a Policy's Rules slice is
// stored as: each rule keeps its own field set alongside a "kind"
// discriminator, since gateway.Rule has no exported variant tag of its own.
type ruleEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalRules serializes an ordered rule chain to its storage JSON form.
// Concrete sqlite/postgres drivers share this so the wire format stays
// identical across backends.
func MarshalRules(rules []gateway.Rule) ([]byte, error) {
	envelopes := make([]ruleEnvelope, 0, len(rules))
	for _, r := range rules {
		kind, data, err := encodeRule(r)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, ruleEnvelope{Kind: kind, Data: data})
	}
	return json.Marshal(envelopes)
}

// UnmarshalRules parses the storage JSON form back into the rule chain.
func UnmarshalRules(raw []byte) ([]gateway.Rule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var envelopes []ruleEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, fmt.Errorf("storage: unmarshal rules: %w", err)
	}
	rules := make([]gateway.Rule, 0, len(envelopes))
	for _, e := range envelopes {
		r, err := decodeRule(e.Kind, e.Data)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func encodeRule(r gateway.Rule) (kind string, data []byte, err error) {
	switch v := r.(type) {
	case gateway.MethodAllowlist:
		kind, data = "method_allowlist", mustMarshal(v)
	case gateway.PathAllowlist:
		kind, data = "path_allowlist", mustMarshal(v)
	case gateway.RateLimit:
		kind, data = "rate_limit", mustMarshal(v)
	case gateway.SpendCap:
		kind, data = "spend_cap", mustMarshal(v)
	case gateway.HumanApproval:
		kind, data = "human_approval", mustMarshal(v)
	case gateway.TimeWindow:
		kind, data = "time_window", mustMarshal(v)
	case gateway.IPAllowlist:
		kind, data = "ip_allowlist", mustMarshal(v)
	case gateway.Redact:
		kind, data = "redact", mustMarshal(v)
	default:
		return "", nil, fmt.Errorf("storage: unknown rule type %T", r)
	}
	return kind, data, err
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeRule(kind string, data json.RawMessage) (gateway.Rule, error) {
	switch kind {
	case "method_allowlist":
		var v gateway.MethodAllowlist
		return v, json.Unmarshal(data, &v)
	case "path_allowlist":
		var v gateway.PathAllowlist
		return v, json.Unmarshal(data, &v)
	case "rate_limit":
		var v gateway.RateLimit
		return v, json.Unmarshal(data, &v)
	case "spend_cap":
		var v gateway.SpendCap
		return v, json.Unmarshal(data, &v)
	case "human_approval":
		var v gateway.HumanApproval
		return v, json.Unmarshal(data, &v)
	case "time_window":
		var v gateway.TimeWindow
		return v, json.Unmarshal(data, &v)
	case "ip_allowlist":
		var v gateway.IPAllowlist
		return v, json.Unmarshal(data, &v)
	case "redact":
		var v gateway.Redact
		return v, json.Unmarshal(data, &v)
	default:
		return nil, fmt.Errorf("storage: unknown rule kind %q", kind)
	}
}
