package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/cachetier"
	"github.com/ailink/egressgw/internal/circuitbreaker"
	"github.com/ailink/egressgw/internal/cost"
)

type fakePricingStore struct {
	calls atomic.Int32
	entries []gateway.PricingEntry
}

func (f *fakePricingStore) ListPricing(context.Context) ([]gateway.PricingEntry, error) {
	f.calls.Add(1)
	return f.entries, nil
}

func (f *fakePricingStore) ListLatency(context.Context) (gateway.LatencySnapshot, error) {
	f.calls.Add(1)
	return gateway.LatencySnapshot{"gpt-4o": 500}, nil
}

type fakeBudgetStore struct{ calls atomic.Int32 }

func (f *fakeBudgetStore) AggregateSpend(context.Context, time.Time) error {
	f.calls.Add(1)
	return nil
}

type fakeDowngradeStore struct {
	calls atomic.Int32
}

func (f *fakeDowngradeStore) InsertAuditEntry(context.Context, *gateway.AuditEntry) error { return nil }

func (f *fakeDowngradeStore) DowngradeDebugEntries(context.Context, time.Time) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func runAndCancel(t *testing.T, w Worker, wait func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !wait() {
		select {
		case <-deadline:
			t.Fatalf("%s: condition not met before deadline", w.Name())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: did not stop after cancel", w.Name())
	}
}

func TestCacheEvictionWorker_SweepsOnInterval(t *testing.T) {
	tier, err := cachetier.New(10, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = tier.Set(context.Background(), "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	w := &CacheEvictionWorker{Tier: tier, Interval: 10 * time.Millisecond}
	_, hitBefore, _ := tier.Get(context.Background(), "k")
	if hitBefore {
		t.Fatal("expected entry to already be expired before sweep")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)
}

func TestBreakerEvictionWorker_EvictsStale(t *testing.T) {
	reg := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	reg.GetOrCreate("stale.example.com")
	time.Sleep(5 * time.Millisecond)

	w := &BreakerEvictionWorker{Breakers: reg, Stale: time.Millisecond, Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if b := reg.Get("stale.example.com"); b != nil {
		t.Fatal("expected stale breaker to be evicted")
	}
}

func TestLatencySnapshotWorker_AppliesSnapshot(t *testing.T) {
	store := &fakePricingStore{}
	var got atomic.Pointer[gateway.LatencySnapshot]
	w := &LatencySnapshotWorker{
		Store: store, Interval: 10 * time.Millisecond,
		Apply: func(s gateway.LatencySnapshot) { got.Store(&s) },
	}
	runAndCancel(t, w, func() bool { return got.Load() != nil })
}

func TestPricingSnapshotWorker_ReloadsTable(t *testing.T) {
	store := &fakePricingStore{entries: []gateway.PricingEntry{
		{Provider: "openai", ModelPattern: "gpt-4o", InputPerMillion: 2.5, OutputPerMillion: 10},
	}}
	table := &cost.Table{}
	w := &PricingSnapshotWorker{Store: store, Table: table, Interval: time.Hour}

	runAndCancel(t, w, func() bool { return store.calls.Load() >= 1 })

	price := cost.PriceUSD(table, gateway.Usage{Model: "gpt-4o", PromptTokens: 1_000_000})
	if price != 2.5 {
		t.Errorf("price = %v, want 2.5", price)
	}
}

func TestPricingSnapshotWorker_ReloadNow(t *testing.T) {
	store := &fakePricingStore{}
	table := &cost.Table{}
	w := &PricingSnapshotWorker{Store: store, Table: table, Interval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	before := store.calls.Load()
	w.ReloadNow()

	deadline := time.After(time.Second)
	for store.calls.Load() <= before {
		select {
		case <-deadline:
			t.Fatal("ReloadNow did not trigger a refresh")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestDebugBodyExpiryWorker_Downgrades(t *testing.T) {
	store := &fakeDowngradeStore{}
	w := &DebugBodyExpiryWorker{Store: store, Interval: 10 * time.Millisecond, MaxAge: time.Hour}
	runAndCancel(t, w, func() bool { return store.calls.Load() >= 1 })
}

func TestBudgetAggregationWorker_Aggregates(t *testing.T) {
	store := &fakeBudgetStore{}
	w := &BudgetAggregationWorker{Store: store, Interval: 10 * time.Millisecond}
	runAndCancel(t, w, func() bool { return store.calls.Load() >= 1 })
}
