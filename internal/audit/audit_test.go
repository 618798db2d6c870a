package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/ailink/egressgw/internal"
)

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*gateway.AuditEntry
}

func (f *fakeAuditStore) InsertAuditEntry(_ context.Context, e *gateway.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditStore) DowngradeDebugEntries(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestPipeline_FlushesOnTicker(t *testing.T) {
	store := &fakeAuditStore{}
	p := New(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Record(&gateway.AuditEntry{RequestID: "r1"})
	p.Record(&gateway.AuditEntry{RequestID: "r2"})

	deadline := time.After(2 * time.Second)
	for store.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ticker flush")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestPipeline_DrainsOnShutdown(t *testing.T) {
	store := &fakeAuditStore{}
	p := New(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Record(&gateway.AuditEntry{RequestID: "r1"})
	cancel()
	<-done

	if store.count() != 1 {
		t.Fatalf("expected drain to persist pending entry, got %d", store.count())
	}
}

func TestPipeline_DropsOnFullChannel(t *testing.T) {
	store := &fakeAuditStore{}
	p := New(store, nil, nil)
	// Never call Run: every send should hit the default branch once chanSize
	// entries are queued.
	for i := 0; i < chanSize+10; i++ {
		p.Record(&gateway.AuditEntry{RequestID: "r"})
	}
	if len(p.ch) != chanSize {
		t.Fatalf("expected channel to cap at %d, got %d", chanSize, len(p.ch))
	}
}
