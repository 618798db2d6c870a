// Package storage defines the persistence interfaces the core consumes.
// Concrete drivers (postgres, sqlite) live in subpackages; the core only
// ever depends on these interfaces.
package storage

import (
	"context"
	"time"

	gateway "github.com/ailink/egressgw/internal"
)

// TokenStore resolves virtual tokens. Read-only from the core's perspective.
type TokenStore interface {
	GetToken(ctx context.Context, id string) (*gateway.Token, error)
}

// CredentialStore resolves credential blobs by id. Read-only.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*gateway.CredentialBlob, error)
}

// PolicyStore resolves the ordered policy list for a project. Read-only.
type PolicyStore interface {
	GetPolicies(ctx context.Context, projectID string) ([]gateway.Policy, error)
}

// PricingStore resolves the full pricing table and latency snapshot for
// periodic hot-reload.
type PricingStore interface {
	ListPricing(ctx context.Context) ([]gateway.PricingEntry, error)
	ListLatency(ctx context.Context) (gateway.LatencySnapshot, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, e *gateway.AuditEntry) error
	// DowngradeDebugEntries strips bodies from level-2 entries older than
	// olderThan and sets their level to 0 without deleting the row, so
	// billing columns survive retention.
	DowngradeDebugEntries(ctx context.Context, olderThan time.Time) (int, error)
}

// BudgetStore rolls up spend for budget alerting.
type BudgetStore interface {
	AggregateSpend(ctx context.Context, asOf time.Time) error
}

// ProjectSpendStore reads period-to-date spend for a project, backing the
// spend-cap policy rule.
type ProjectSpendStore interface {
	GetProjectSpend(ctx context.Context, projectID string, window gateway.SpendCapWindow, periodKey string) (float64, error)
}

// ApprovalStore persists HITL approval requests and their resolutions.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, requestID, tokenID string, timeout time.Duration) error
	// ResolveApproval blocks until a decision is recorded or ctx is done;
	// returns "approved", "rejected", or ctx.Err() on timeout/cancel.
	ResolveApproval(ctx context.Context, requestID string) (string, error)
}

// Store aggregates every interface a fully wired driver implements.
type Store interface {
	TokenStore
	CredentialStore
	PolicyStore
	PricingStore
	AuditStore
	BudgetStore
	ProjectSpendStore
	ApprovalStore
	Close() error
}
