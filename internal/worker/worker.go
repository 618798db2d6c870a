// Package worker hosts the gateway's background maintenance loops: cache
// and circuit-breaker eviction, pricing/latency snapshot reloads, debug-body
// expiry, and per-project budget aggregation. None of them serve a live
// request directly; each keeps some piece of shared state from growing
// stale or unbounded while the proxy path runs.
package worker

import "context"

// Worker is a long-running background task owned by a Runner.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
