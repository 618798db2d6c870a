// Package respcache implements the gateway's response cache: a write-through
// cache over cachetier.Tier keyed by a stable fingerprint of the
// cache-relevant request fields, scoped per token so one caller can never
// read another's cached response.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/cachetier"
)

const cacheKeyPrefix = "respcache:"

// fingerprintFields is the canonical subset of request fields the cache key
// is built from. Any other field (stream, user, metadata, ...) is ignored.
type fingerprintFields struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature json.RawMessage `json:"temperature,omitempty"`
	MaxTokens   json.RawMessage `json:"max_tokens,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

// Cache is the response cache. It never caches streaming requests.
type Cache struct {
	tier *cachetier.Tier
}

// New returns a Cache backed by tier.
func New(tier *cachetier.Tier) *Cache {
	return &Cache{tier: tier}
}

// Fingerprint computes the cache key for a request scoped to tokenID. It
// returns ok=false for streaming requests, which are never cached.
func Fingerprint(req gateway.ChatRequest, tokenID string) (key string, ok bool) {
	if req.Stream {
		return "", false
	}
	ff := fingerprintFields{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
	canonical, err := json.Marshal(ff)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(append([]byte(tokenID+"|"), canonical...))
	return cacheKeyPrefix + hex.EncodeToString(sum[:]), true
}

// OptedOut reports whether the request explicitly disabled caching via
// X-Ailink-No-Cache or a standard Cache-Control: no-cache/no-store header.
func OptedOut(h http.Header) bool {
	if h.Get("X-Ailink-No-Cache") != "" {
		return true
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store")
}

// Get returns the cached response for key, if present.
func (c *Cache) Get(ctx context.Context, key string) (*gateway.CachedResponse, bool, error) {
	raw, ok, err := c.tier.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var resp gateway.CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, nil
	}
	return &resp, true, nil
}

// Store writes resp under key with the default TTL, unless its serialized
// size exceeds MaxCachedResponseBytes, in which case it is silently skipped
// -- an oversized response is still served to the caller, it just isn't
// cached for replay.
func (c *Cache) Store(ctx context.Context, key string, resp gateway.CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if len(raw) > gateway.MaxCachedResponseBytes {
		return nil
	}
	return c.tier.Set(ctx, key, raw, gateway.DefaultCacheTTL)
}
