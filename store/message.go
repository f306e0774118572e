package store

import (
	"context"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// MessageRole is the author of a message.
type MessageRole string

const (
	// MessageRoleUser marks a message written by the user.
	MessageRoleUser MessageRole = "user"
	// MessageRoleAssistant marks a message written by the assistant.
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is one turn-half of a conversation. Immutable once persisted.
type Message struct {
	ID               int32       `json:"id"`
	UID              string      `json:"uid"`
	SessionID        int32       `json:"session_id"`
	Role             MessageRole `json:"role"`
	Content          string      `json:"content"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	CreatedTs        int64       `json:"created_ts"`
}

// FindMessage filters message lookups.
type FindMessage struct {
	SessionID *int32
	Limit     *int
}

// CreateMessage persists a message. A missing UID is generated.
func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	query := s.db.Rebind(`
		INSERT INTO chat_message (uid, session_id, role, content, prompt_tokens, completion_tokens, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query,
		create.UID, create.SessionID, string(create.Role), create.Content,
		create.PromptTokens, create.CompletionTokens, create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return create, nil
}

// ListMessages lists messages ordered by creation time, oldest first.
func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	query := `
		SELECT id, uid, session_id, role, content, prompt_tokens, completion_tokens, created_ts
		FROM chat_message
		WHERE 1 = 1
	`
	args := []any{}
	if find.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *find.SessionID)
	}
	query += " ORDER BY created_ts ASC, id ASC"
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		message := &Message{}
		var role string
		if err := rows.Scan(
			&message.ID, &message.UID, &message.SessionID, &role, &message.Content,
			&message.PromptTokens, &message.CompletionTokens, &message.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		message.Role = MessageRole(role)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return messages, nil
}
