// Package cachetier implements the gateway's two-tier cache: an in-process
// concurrent map with per-entry absolute expiry backed by
// github.com/maypok86/otter/v2, and a remote KV tier backed by
// github.com/redis/go-redis/v9. It also exposes the atomic counter used by
// rate limiting and spend tracking.
package cachetier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/redis/go-redis/v9"
)

// fallbackRemoteTTL is used when a remote entry is found but its TTL cannot
// be read (e.g. redis.Client.TTL returns a negative sentinel).
const fallbackRemoteTTL = 60 * time.Second

// entry wraps a cached value with its absolute expiry, mirroring the
// teacher's in-memory cache entry shape.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// localCache is the in-process tier: an otter W-TinyLFU cache for storage,
// plus a side index of key -> expiresAt so the periodic sweep loop (C13)
// can proactively evict without waiting for an access to trigger it.
type localCache struct {
	cache *otter.Cache[string, entry]
	index sync.Map // string -> time.Time
}

func newLocalCache(maxSize int) (*localCache, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize: maxSize,
		ExpiryCalculator: otter.ExpiryCreating[string, entry](func(e otter.Entry[string, entry]) time.Duration {
			return time.Until(e.Value.expiresAt)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("cachetier: create local cache: %w", err)
	}
	return &localCache{cache: c}, nil
}

func (l *localCache) get(key string) ([]byte, bool) {
	e, ok := l.cache.GetIfPresent(key)
	if !ok {
		l.index.Delete(key)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		l.cache.Invalidate(key)
		l.index.Delete(key)
		return nil, false
	}
	return e.data, true
}

func (l *localCache) set(key string, val []byte, ttl time.Duration) {
	exp := time.Now().Add(ttl)
	l.cache.Set(key, entry{data: val, expiresAt: exp})
	l.index.Store(key, exp)
}

func (l *localCache) delete(key string) {
	l.cache.Invalidate(key)
	l.index.Delete(key)
}

func (l *localCache) purge() {
	l.cache.InvalidateAll()
	l.index.Range(func(k, _ any) bool {
		l.index.Delete(k)
		return true
	})
}

// sweep evicts every locally-indexed entry whose expiry has passed as of now,
// bounding memory even for keys nobody has read since they expired.
func (l *localCache) sweep(now time.Time) int {
	evicted := 0
	l.index.Range(func(k, v any) bool {
		if now.After(v.(time.Time)) {
			key := k.(string)
			l.cache.Invalidate(key)
			l.index.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// incrScript atomically increments key and, only on the first increment,
// sets its expiry -- the Lua equivalent of "INCR key; if result == 1 then
// EXPIRE key window". Single round trip, single source of truth for the
// expiry regardless of how many gateway instances race on the same key.
var incrScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// Tier is the two-tier cache. It is safe for concurrent use; readers and
// writers on the local tier are uncoordinated, the remote tier's atomicity
// comes from redis itself.
type Tier struct {
	local  *localCache
	remote *redis.Client
}

// New creates a Tier with a local cache bounded to maxLocalSize entries.
// remote may be nil, in which case the tier degrades to local-only (useful
// for tests and single-instance deployments; atomic counters then fall back
// to a process-local approximation and lose cross-instance guarantees).
func New(maxLocalSize int, remote *redis.Client) (*Tier, error) {
	local, err := newLocalCache(maxLocalSize)
	if err != nil {
		return nil, err
	}
	return &Tier{local: local, remote: remote}, nil
}

// Get probes the local tier first; on miss it probes remote, and on a
// remote hit repopulates local with the remote-reported TTL (or
// fallbackRemoteTTL if that can't be determined).
func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, ok := t.local.get(key); ok {
		return val, true, nil
	}
	if t.remote == nil {
		return nil, false, nil
	}

	val, err := t.remote.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cachetier: remote get: %w", err)
	}

	ttl, err := t.remote.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = fallbackRemoteTTL
	}
	t.local.set(key, val, ttl)
	return val, true, nil
}

// Set writes through both tiers with the same TTL.
func (t *Tier) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	t.local.set(key, val, ttl)
	if t.remote == nil {
		return nil
	}
	if err := t.remote.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("cachetier: remote set: %w", err)
	}
	return nil
}

// Delete removes key from both tiers.
func (t *Tier) Delete(ctx context.Context, key string) error {
	t.local.delete(key)
	if t.remote == nil {
		return nil
	}
	if err := t.remote.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cachetier: remote delete: %w", err)
	}
	return nil
}

// Purge clears the local tier. The remote tier is shared across instances
// and is never wholesale-flushed by a single gateway process.
func (t *Tier) Purge(_ context.Context) {
	t.local.purge()
}

// SweepLocal evicts expired local entries and returns the count evicted.
// Intended to be called by a background loop roughly once per minute.
func (t *Tier) SweepLocal(now time.Time) int {
	return t.local.sweep(now)
}

// Increment atomically increments key and sets its expiry to window on the
// first increment within that window. Returns the new count; N concurrent
// callers receive N distinct values in [1..N] because redis serializes the
// script execution. Falls back to a non-atomic local counter when no remote
// tier is configured (single-instance only; documented limitation).
func (t *Tier) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if t.remote == nil {
		return t.localIncrement(key, window), nil
	}
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	v, err := incrScript.Run(ctx, t.remote, []string{key}, seconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("cachetier: increment: %w", err)
	}
	return v, nil
}

// localCounters backs Increment's no-remote fallback path.
var localCounterMu sync.Mutex
var localCounters = map[string]struct {
	count   int64
	expires time.Time
}{}

func (t *Tier) localIncrement(key string, window time.Duration) int64 {
	localCounterMu.Lock()
	defer localCounterMu.Unlock()
	now := time.Now()
	c, ok := localCounters[key]
	if !ok || now.After(c.expires) {
		c = struct {
			count   int64
			expires time.Time
		}{count: 0, expires: now.Add(window)}
	}
	c.count++
	localCounters[key] = c
	return c.count
}
