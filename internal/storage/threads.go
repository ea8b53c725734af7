package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsugi/internal/model"
)

// CreateThread inserts a thread and, when it has a system prompt, the
// leading system message of its transcript.
func (db *DB) CreateThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: begin create thread: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO threads (owner_id, fiche_id, title, system_prompt, model, reasoning_effort)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		t.OwnerID, t.FicheID, t.Title, t.SystemPrompt, t.Model, string(t.ReasoningEffort),
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: create thread: %w", err)
	}

	if t.SystemPrompt != "" {
		if _, err := appendMessage(ctx, tx, model.Message{
			ThreadID: t.ID,
			Role:     model.RoleSystem,
			Content:  t.SystemPrompt,
		}); err != nil {
			return model.Thread{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Thread{}, fmt.Errorf("storage: commit create thread: %w", err)
	}
	return t, nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id int64) (model.Thread, error) {
	var t model.Thread
	var effort string
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, fiche_id, title, system_prompt, model, reasoning_effort, created_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.OwnerID, &t.FicheID, &t.Title, &t.SystemPrompt, &t.Model, &effort, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("storage: thread %d: %w", id, ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	t.ReasoningEffort = model.ReasoningEffort(effort)
	return t, nil
}

// AppendMessage adds a message to a thread transcript.
func (db *DB) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	return appendMessage(ctx, db.pool, msg)
}

// ListMessages returns a thread transcript in insertion order.
func (db *DB) ListMessages(ctx context.Context, threadID int64) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, run_id, role, content, tool_calls, tool_call_id, message_id, created_at
		 FROM thread_messages WHERE thread_id = $1 ORDER BY id`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m          model.Message
			role       string
			toolCalls  []byte
			toolCallID *string
			messageID  *string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.RunID, &role, &m.Content,
			&toolCalls, &toolCallID, &messageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Role = model.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("storage: decode tool calls of message %d: %w", m.ID, err)
			}
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		if messageID != nil {
			m.MessageID = *messageID
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func appendMessage(ctx context.Context, q querier, msg model.Message) (model.Message, error) {
	var toolCalls []byte
	if len(msg.ToolCalls) > 0 {
		var err error
		if toolCalls, err = json.Marshal(msg.ToolCalls); err != nil {
			return model.Message{}, fmt.Errorf("storage: encode tool calls: %w", err)
		}
	}
	err := q.QueryRow(ctx,
		`INSERT INTO thread_messages (thread_id, run_id, role, content, tool_calls, tool_call_id, message_id)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		 RETURNING id, created_at`,
		msg.ThreadID, msg.RunID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.MessageID,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "idx_thread_messages_tool_result") {
			return model.Message{}, fmt.Errorf("storage: append message for call %s: %w", msg.ToolCallID, ErrDuplicateToolResult)
		}
		return model.Message{}, fmt.Errorf("storage: append message: %w", err)
	}
	return msg, nil
}
