package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

// InsertAuditEntries bulk-inserts LLM audit rows using COPY. span_id is
// unique, so a batch that was already written fails as a whole.
func (db *DB) InsertAuditEntries(ctx context.Context, entries []model.LLMAuditEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	columns := []string{"trace_id", "span_id", "run_id", "phase", "model",
		"input_tokens", "output_tokens", "duration_ms", "error", "created_at"}
	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		rows[i] = []any{e.TraceID, e.SpanID, e.RunID, string(e.Phase), e.Model,
			e.InputTokens, e.OutputTokens, e.DurationMS, e.Error, createdAt}
	}

	n, err := db.pool.CopyFrom(ctx, pgx.Identifier{"llm_audit_log"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy audit entries: %w", err)
	}
	return n, nil
}

// ListAuditByTrace returns every model call of a chain in call order.
func (db *DB) ListAuditByTrace(ctx context.Context, traceID string) ([]model.LLMAuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, span_id, run_id, phase, model, input_tokens, output_tokens,
		        duration_ms, error, created_at
		 FROM llm_audit_log WHERE trace_id = $1 ORDER BY created_at, id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.LLMAuditEntry
	for rows.Next() {
		var (
			e     model.LLMAuditEntry
			phase string
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.SpanID, &e.RunID, &phase, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.DurationMS, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		e.Phase = model.LLMPhase(phase)
		out = append(out, e)
	}
	return out, rows.Err()
}
