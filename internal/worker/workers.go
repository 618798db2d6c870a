package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/cachetier"
	"github.com/ailink/egressgw/internal/circuitbreaker"
	"github.com/ailink/egressgw/internal/cost"
	"github.com/ailink/egressgw/internal/storage"
)

// tick runs fn immediately and then every interval until ctx is cancelled.
func tick(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// CacheEvictionWorker sweeps expired entries out of the local cache tier
// every 60 seconds. Remote (redis) entries expire on their own TTL; only the
// process-local tier needs an active sweep.
type CacheEvictionWorker struct {
	Tier     *cachetier.Tier
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *CacheEvictionWorker) Name() string { return "cache_eviction" }

func (w *CacheEvictionWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	return tick(ctx, interval, func(_ context.Context) {
		n := w.Tier.SweepLocal(time.Now())
		if n > 0 {
			w.logger().Debug("cache_eviction: swept local entries", "count", n)
		}
	})
}

func (w *CacheEvictionWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// BreakerEvictionWorker sweeps per-host circuit breakers that have gone
// quiet for longer than Stale, keeping the registry from growing without
// bound as upstream hosts come and go (DNS-based load balancers, ad-hoc
// local servers during development).
type BreakerEvictionWorker struct {
	Breakers *circuitbreaker.Registry
	Stale    time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *BreakerEvictionWorker) Name() string { return "breaker_eviction" }

func (w *BreakerEvictionWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	stale := w.Stale
	if stale == 0 {
		stale = 30 * time.Minute
	}
	return tick(ctx, interval, func(_ context.Context) {
		n := w.Breakers.EvictStale(time.Now().Add(-stale))
		if n > 0 {
			w.logger().Debug("breaker_eviction: evicted stale breakers", "count", n)
		}
	})
}

func (w *BreakerEvictionWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// LatencySnapshotWorker reloads the per-model p50 latency snapshot every 5
// minutes and passes it to Apply; with Apply nil the snapshot is loaded and
// discarded.
type LatencySnapshotWorker struct {
	Store    storage.PricingStore
	Apply    func(gateway.LatencySnapshot)
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *LatencySnapshotWorker) Name() string { return "latency_snapshot" }

func (w *LatencySnapshotWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return tick(ctx, interval, func(ctx context.Context) {
		snap, err := w.Store.ListLatency(ctx)
		if err != nil {
			w.logger().Error("latency_snapshot: reload failed", "error", err)
			return
		}
		if w.Apply != nil {
			w.Apply(snap)
		}
	})
}

func (w *LatencySnapshotWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// PricingSnapshotWorker reloads the model pricing table into a cost.Table on
// a fixed interval. ReloadNow is exposed so an admin-triggered refresh can
// short-circuit the wait between ticks.
type PricingSnapshotWorker struct {
	Store    storage.PricingStore
	Table    *cost.Table
	Interval time.Duration
	Logger   *slog.Logger

	reload chan struct{}
}

func (w *PricingSnapshotWorker) Name() string { return "pricing_snapshot" }

func (w *PricingSnapshotWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if w.reload == nil {
		w.reload = make(chan struct{}, 1)
	}

	w.refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.refresh(ctx)
		case <-w.reload:
			w.refresh(ctx)
		}
	}
}

// ReloadNow requests an out-of-band refresh, used by the admin surface right
// after an operator edits pricing so the change doesn't wait for the next
// tick. It is safe to call before Run starts; the request is buffered.
func (w *PricingSnapshotWorker) ReloadNow() {
	if w.reload == nil {
		w.reload = make(chan struct{}, 1)
	}
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func (w *PricingSnapshotWorker) refresh(ctx context.Context) {
	entries, err := w.Store.ListPricing(ctx)
	if err != nil {
		w.logger().Error("pricing_snapshot: reload failed", "error", err)
		return
	}
	w.Table.Reload(entries)
}

func (w *PricingSnapshotWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// DebugBodyExpiryWorker downgrades log-level-2 audit entries older than one
// hour, stripping their inline/offloaded bodies while preserving the
// billing-relevant columns, per the gateway's retention policy.
type DebugBodyExpiryWorker struct {
	Store    storage.AuditStore
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *DebugBodyExpiryWorker) Name() string { return "debug_body_expiry" }

func (w *DebugBodyExpiryWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval == 0 {
		interval = time.Hour
	}
	maxAge := w.MaxAge
	if maxAge == 0 {
		maxAge = time.Hour
	}
	return tick(ctx, interval, func(ctx context.Context) {
		n, err := w.Store.DowngradeDebugEntries(ctx, time.Now().Add(-maxAge))
		if err != nil {
			w.logger().Error("debug_body_expiry: downgrade failed", "error", err)
			return
		}
		if n > 0 {
			w.logger().Info("debug_body_expiry: downgraded entries", "count", n)
		}
	})
}

func (w *DebugBodyExpiryWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// BudgetAggregationWorker rolls up spend into the project-spend aggregates
// that back the spend-cap policy check, every 15 minutes.
type BudgetAggregationWorker struct {
	Store    storage.BudgetStore
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *BudgetAggregationWorker) Name() string { return "budget_aggregation" }

func (w *BudgetAggregationWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval == 0 {
		interval = 15 * time.Minute
	}
	return tick(ctx, interval, func(ctx context.Context) {
		if err := w.Store.AggregateSpend(ctx, time.Now()); err != nil {
			w.logger().Error("budget_aggregation: aggregate failed", "error", err)
		}
	})
}

func (w *BudgetAggregationWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
