package postgres

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// InsertAuditEntry persists one audit entry, offloading the request/response
// body and header snapshot to audit_log_bodies for debug-level (2) entries.
func (s *Store) InsertAuditEntry(ctx context.Context, e *gateway.AuditEntry) error {
	policiesJSON, err := json.Marshal(e.Policies)
	if err != nil {
		return err
	}
	shadowJSON, err := json.Marshal(e.ShadowViolations)
	if err != nil {
		return err
	}
	redactedJSON, err := json.Marshal(e.RedactedFields)
	if err != nil {
		return err
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_logs (id, request_id, project_id, token_id, method, path,
		 policies, shadow_violations, hitl_resolution, upstream_status, total_ms, ttft_ms,
		 tokens_per_sec, redacted_fields, cost_usd, model, prompt_tokens, completion_tokens,
		 tool_calls, cache_hit, payload_url, log_level, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		 $18, $19, $20, $21, $22, $23)`,
		e.ID, e.RequestID, e.ProjectID, e.TokenID, e.Method, e.Path,
		policiesJSON, shadowJSON, e.HITLResolution, e.UpstreamStatus, e.TotalMs, e.TTFTMs,
		e.TokensPerSec, redactedJSON, e.CostUSD, e.Model, e.PromptTokens, e.CompletionTokens,
		e.ToolCalls, e.CacheHit, e.PayloadURL, e.LogLevel, created,
	)
	if err != nil {
		return err
	}

	if e.LogLevel >= 2 && (len(e.RequestBody) > 0 || len(e.ResponseBody) > 0) {
		reqHeaders, err := json.Marshal(e.RequestHeaders)
		if err != nil {
			return err
		}
		respHeaders, err := json.Marshal(e.ResponseHeaders)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO audit_log_bodies (audit_log_id, request_body, response_body,
			 request_headers, response_headers) VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.RequestBody, e.ResponseBody, reqHeaders, respHeaders,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// DowngradeDebugEntries deletes the body rows of debug-level entries older
// than olderThan and resets their log_level to 0.
func (s *Store) DowngradeDebugEntries(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_log_bodies WHERE audit_log_id IN (
		   SELECT id FROM audit_logs WHERE log_level >= 2 AND created_at < $1
		 )`, olderThan.UTC())
	if err != nil {
		return 0, err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE audit_logs SET log_level = 0 WHERE log_level >= 2 AND created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}

var _ storage.AuditStore = (*Store)(nil)
