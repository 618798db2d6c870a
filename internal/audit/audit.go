package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

const (
	chanSize   = 1000
	batchSize  = 100
	flushEvery = 5 * time.Second
	drainTime  = 30 * time.Second

	// offloadThresholdBytes is the combined request+response body size above
	// which a level>0 entry's bodies are compressed and moved to the object
	// store instead of kept inline in the audit row.
	offloadThresholdBytes = 4 * 1024
)

// Pipeline buffers audit entries and flushes them to storage in batches on a
// fixed interval, the same bounded-channel-plus-ticker shape the gateway
// already uses for its other async recorders: Record never blocks the
// request path, it drops and logs on a full channel instead.
type Pipeline struct {
	store   storage.AuditStore
	objects ObjectStore // may be nil: offload disabled, bodies always kept inline
	ch      chan *gateway.AuditEntry
	logger  *slog.Logger
}

// New returns a Pipeline. objects may be nil to disable body offload.
func New(store storage.AuditStore, objects ObjectStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   store,
		objects: objects,
		ch:      make(chan *gateway.AuditEntry, chanSize),
		logger:  logger,
	}
}

// Record enqueues e for async persistence. It never blocks: on a full
// channel the entry is dropped and a warning logged, trading durability for
// request-path latency, matching the gateway's non-blocking audit guarantee.
func (p *Pipeline) Record(e *gateway.AuditEntry) {
	select {
	case p.ch <- e:
	default:
		p.logger.Warn("audit: channel full, dropping entry", "request_id", e.RequestID)
	}
}

// Run drains the channel on a ticker until ctx is cancelled, then performs a
// final bounded drain so in-flight entries aren't lost on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]*gateway.AuditEntry, 0, batchSize)

	for {
		select {
		case e := <-p.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			p.drain(batch)
			return nil
		}
	}
}

// drain performs a best-effort final flush bounded by drainTime, run with a
// fresh context since ctx is already cancelled.
func (p *Pipeline) drain(pending []*gateway.AuditEntry) {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-p.ch:
			pending = append(pending, e)
			if len(pending) >= batchSize {
				p.flush(drainCtx, pending)
				pending = pending[:0]
			}
		default:
			if len(pending) > 0 {
				p.flush(drainCtx, pending)
			}
			return
		}
	}
}

// flush copies batch to avoid aliasing the caller's slice across calls, then
// persists each entry. IDs are assigned here, off the request's hot path.
func (p *Pipeline) flush(ctx context.Context, batch []*gateway.AuditEntry) {
	entries := make([]*gateway.AuditEntry, len(batch))
	copy(entries, batch)

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		p.offloadIfNeeded(ctx, e)
		if err := p.store.InsertAuditEntry(ctx, e); err != nil {
			p.logger.Error("audit: insert failed", "request_id", e.RequestID, "error", err)
		}
	}
}

// offloadIfNeeded moves request/response bodies to the object store when
// log_level indicates bodies were captured, the combined size exceeds the
// inline threshold, and an object store is configured. On any offload
// failure it falls back to inline storage rather than losing the bodies.
func (p *Pipeline) offloadIfNeeded(ctx context.Context, e *gateway.AuditEntry) {
	if p.objects == nil || e.LogLevel <= 0 {
		return
	}
	if len(e.RequestBody)+len(e.ResponseBody) <= offloadThresholdBytes {
		return
	}

	payload, err := json.Marshal(struct {
		RequestHeaders  map[string]string `json:"request_headers,omitempty"`
		ResponseHeaders map[string]string `json:"response_headers,omitempty"`
		RequestBody     []byte            `json:"request_body,omitempty"`
		ResponseBody    []byte            `json:"response_body,omitempty"`
	}{e.RequestHeaders, e.ResponseHeaders, e.RequestBody, e.ResponseBody})
	if err != nil {
		p.logger.Error("audit: marshal offload payload", "request_id", e.RequestID, "error", err)
		return
	}

	compressed, err := compressZstd(payload)
	if err != nil {
		p.logger.Error("audit: compress offload payload", "request_id", e.RequestID, "error", err)
		return
	}

	key := fmt.Sprintf("%s/%s/%s.json.zst", e.ProjectID, e.CreatedAt.Format("2006-01-02"), e.RequestID)
	url, err := p.objects.Put(ctx, key, compressed)
	if err != nil {
		p.logger.Error("audit: offload failed, keeping inline", "request_id", e.RequestID, "error", err)
		return
	}

	e.PayloadURL = url
	e.RequestBody, e.ResponseBody = nil, nil
	e.RequestHeaders, e.ResponseHeaders = nil, nil
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
