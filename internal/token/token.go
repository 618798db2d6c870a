// Package token resolves bearer tokens to their Token record, caching
// positive lookups through cachetier.Tier. Negative lookups (not found,
// revoked) are never cached, so a freshly issued or re-activated token is
// visible on its very next request.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/cachetier"
	"github.com/ailink/egressgw/internal/storage"
)

// cacheTTL bounds how long a resolved token is trusted before the backing
// store is consulted again, so a revocation becomes effective within this
// window even without an explicit cache purge.
const cacheTTL = 60 * time.Second

const cacheKeyPrefix = "token:"

// Resolver looks up tokens by bearer string, cache-through over a Store.
type Resolver struct {
	store storage.TokenStore
	cache *cachetier.Tier
}

// New returns a Resolver backed by store, cache-through over cache.
func New(store storage.TokenStore, cache *cachetier.Tier) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// Resolve returns the Token for id. It returns gateway.ErrTokenNotFound if no
// such token exists, or gateway.ErrTokenRevoked if it exists but is inactive.
func (r *Resolver) Resolve(ctx context.Context, id string) (*gateway.Token, error) {
	key := cacheKeyPrefix + id

	if raw, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		var t gateway.Token
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, evaluateActive(&t)
		}
	}

	t, err := r.store.GetToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("token: lookup %s: %w", id, err)
	}
	if t == nil {
		return nil, gateway.ErrTokenNotFound()
	}

	if t.IsActive {
		if raw, err := json.Marshal(t); err == nil {
			_ = r.cache.Set(ctx, key, raw, cacheTTL)
		}
	}

	return t, evaluateActive(t)
}

func evaluateActive(t *gateway.Token) error {
	if !t.IsActive {
		return gateway.ErrTokenRevoked()
	}
	return nil
}

// Invalidate evicts a token's cache entry, used by the external management
// surface immediately after a revoke so the change is visible without
// waiting for cacheTTL to elapse.
func (r *Resolver) Invalidate(ctx context.Context, id string) error {
	return r.cache.Delete(ctx, cacheKeyPrefix+id)
}
