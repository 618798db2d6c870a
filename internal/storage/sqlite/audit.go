package sqlite

import (
	"context"
	"encoding/json"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// InsertAuditEntry persists one audit entry. Level-2 (debug) entries carry
// their raw request/response bodies and headers in the companion
// audit_log_bodies table so the hot audit_logs table stays narrow.
func (s *Store) InsertAuditEntry(ctx context.Context, e *gateway.AuditEntry) error {
	policiesJSON, err := json.Marshal(e.Policies)
	if err != nil {
		return err
	}
	shadowJSON, err := marshalJSON(e.ShadowViolations)
	if err != nil {
		return err
	}
	redactedJSON, err := marshalJSON(e.RedactedFields)
	if err != nil {
		return err
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_logs (id, request_id, project_id, token_id, method, path,
		 policies, shadow_violations, hitl_resolution, upstream_status, total_ms, ttft_ms,
		 tokens_per_sec, redacted_fields, cost_usd, model, prompt_tokens, completion_tokens,
		 tool_calls, cache_hit, payload_url, log_level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.ProjectID, e.TokenID, e.Method, e.Path,
		string(policiesJSON), shadowJSON, e.HITLResolution, e.UpstreamStatus, e.TotalMs, e.TTFTMs,
		e.TokensPerSec, redactedJSON, e.CostUSD, e.Model, e.PromptTokens, e.CompletionTokens,
		e.ToolCalls, boolToInt(e.CacheHit), e.PayloadURL, e.LogLevel, created.Format(time.RFC3339Nano),
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
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log_bodies (audit_log_id, request_body, response_body,
			 request_headers, response_headers) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.RequestBody, e.ResponseBody, string(reqHeaders), string(respHeaders),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DowngradeDebugEntries deletes the body rows of debug-level entries older
// than olderThan and resets their log_level to 0, so billing/audit columns
// on audit_logs survive retention while the payload itself does not.
func (s *Store) DowngradeDebugEntries(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UTC().Format(time.RFC3339Nano)

	result, err := s.write.ExecContext(ctx,
		`DELETE FROM audit_log_bodies WHERE audit_log_id IN (
		   SELECT id FROM audit_logs WHERE log_level >= 2 AND created_at < ?
		 )`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = s.write.ExecContext(ctx,
		`UPDATE audit_logs SET log_level = 0 WHERE log_level >= 2 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

var _ storage.AuditStore = (*Store)(nil)
