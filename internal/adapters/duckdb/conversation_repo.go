package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

func (r *Repository) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		string(conv.ID), conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var c domain.Conversation
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations WHERE id = ?`, string(id),
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, id)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (r *Repository) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddMessage stores a message and bumps the conversation's updated_at.
func (r *Repository) AddMessage(ctx context.Context, msg domain.Message) error {
	var steps *string
	if len(msg.Steps) > 0 {
		raw, err := json.Marshal(msg.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		s := string(raw)
		steps = &s
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.ConversationID), string(msg.Role), msg.Content, steps, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, string(msg.ConversationID),
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns the newest limit messages oldest first; limit <= 0
// returns the whole conversation.
func (r *Repository) ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, steps, created_at, seq
		FROM messages WHERE conversation_id = ?
		ORDER BY seq ASC`
	args := []interface{}{string(convID)}
	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT id, conversation_id, role, content, steps, created_at, seq
				FROM messages WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		var (
			m     domain.Message
			role  string
			steps sql.NullString
			seq   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &steps, &m.CreatedAt, &seq); err != nil {
			return nil, err
		}
		m.Role = domain.MessageRole(role)
		if steps.Valid && steps.String != "" {
			if err := json.Unmarshal([]byte(steps.String), &m.Steps); err != nil {
				return nil, fmt.Errorf("decode steps of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
