package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// Session is a durable conversation. The agent_metadata blob is opaque to the
// store; the agent layer owns its schema (agent state + context cache).
type Session struct {
	ID            int32  `json:"id"`
	UID           string `json:"uid"`
	UserID        int32  `json:"user_id"`
	ContextType   string `json:"context_type"`
	EntityID      string `json:"entity_id"`
	MessageCount  int    `json:"message_count"`
	TokenCount    int    `json:"token_count"`
	Summary       string `json:"summary"`
	AgentMetadata string `json:"agent_metadata"`
	CreatedTs     int64  `json:"created_ts"`
	UpdatedTs     int64  `json:"updated_ts"`
}

// FindSession filters session lookups.
type FindSession struct {
	ID     *int32
	UID    *string
	UserID *int32
}

// UpdateSession carries a partial session update. Nil fields are untouched.
type UpdateSession struct {
	ID            int32
	ContextType   *string
	EntityID      *string
	MessageCount  *int
	TokenCount    *int
	Summary       *string
	AgentMetadata *string
	UpdatedTs     *int64
}

// CreateSession inserts a new session. A missing UID is generated.
func (s *Store) CreateSession(ctx context.Context, create *Session) (*Session, error) {
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	if create.ContextType == "" {
		create.ContextType = "global"
	}
	if create.AgentMetadata == "" {
		create.AgentMetadata = "{}"
	}
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	if create.UpdatedTs == 0 {
		create.UpdatedTs = now
	}

	query := s.db.Rebind(`
		INSERT INTO chat_session (uid, user_id, context_type, entity_id, message_count, token_count, summary, agent_metadata, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query,
		create.UID, create.UserID, create.ContextType, create.EntityID,
		create.MessageCount, create.TokenCount, create.Summary, create.AgentMetadata,
		create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "insert session")
	}

	created, err := s.GetSession(ctx, &FindSession{UID: &create.UID})
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, errors.New("session vanished after insert")
	}
	return created, nil
}

// GetSession returns the first session matching the filter, or nil when none
// matches. Lookups by UID go through the cache.
func (s *Store) GetSession(ctx context.Context, find *FindSession) (*Session, error) {
	if find.UID != nil && find.ID == nil && find.UserID == nil {
		if cached := s.sessionFromCache(ctx, *find.UID); cached != nil {
			return cached, nil
		}
	}

	query := `
		SELECT id, uid, user_id, context_type, entity_id, message_count, token_count, summary, agent_metadata, created_ts, updated_ts
		FROM chat_session
		WHERE 1 = 1
	`
	args := []any{}
	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.UID != nil {
		query += " AND uid = ?"
		args = append(args, *find.UID)
	}
	if find.UserID != nil {
		query += " AND user_id = ?"
		args = append(args, *find.UserID)
	}
	query += " LIMIT 1"

	session := &Session{}
	err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(
		&session.ID, &session.UID, &session.UserID, &session.ContextType, &session.EntityID,
		&session.MessageCount, &session.TokenCount, &session.Summary, &session.AgentMetadata,
		&session.CreatedTs, &session.UpdatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query session")
	}

	s.sessionToCache(ctx, session)
	return session, nil
}

// ListSessions lists a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID int32, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(`
		SELECT id, uid, user_id, context_type, entity_id, message_count, token_count, summary, agent_metadata, created_ts, updated_ts
		FROM chat_session
		WHERE user_id = ?
		ORDER BY updated_ts DESC
		LIMIT ?
	`)
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(
			&session.ID, &session.UID, &session.UserID, &session.ContextType, &session.EntityID,
			&session.MessageCount, &session.TokenCount, &session.Summary, &session.AgentMetadata,
			&session.CreatedTs, &session.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sessions")
	}
	return sessions, nil
}

// UpdateSession applies a partial update and returns the updated row.
// Updates are last-write-wins; a session carries at most one in-flight
// turn, so there is no version check.
func (s *Store) UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error) {
	set, args := []string{}, []any{}
	if update.ContextType != nil {
		set, args = append(set, "context_type = ?"), append(args, *update.ContextType)
	}
	if update.EntityID != nil {
		set, args = append(set, "entity_id = ?"), append(args, *update.EntityID)
	}
	if update.MessageCount != nil {
		set, args = append(set, "message_count = ?"), append(args, *update.MessageCount)
	}
	if update.TokenCount != nil {
		set, args = append(set, "token_count = ?"), append(args, *update.TokenCount)
	}
	if update.Summary != nil {
		set, args = append(set, "summary = ?"), append(args, *update.Summary)
	}
	if update.AgentMetadata != nil {
		set, args = append(set, "agent_metadata = ?"), append(args, *update.AgentMetadata)
	}
	ts := time.Now().Unix()
	if update.UpdatedTs != nil {
		ts = *update.UpdatedTs
	}
	set, args = append(set, "updated_ts = ?"), append(args, ts)
	args = append(args, update.ID)

	query := "UPDATE chat_session SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "update session")
	}

	updated, err := s.getSessionByIDUncached(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.sessionToCache(ctx, updated)
	}
	return updated, nil
}

// UpdateSessionMetadata replaces the agent_metadata blob (last-write-wins).
func (s *Store) UpdateSessionMetadata(ctx context.Context, sessionID int32, metadata string) error {
	if metadata == "" || !json.Valid([]byte(metadata)) {
		return errors.New("metadata must be valid JSON")
	}
	_, err := s.UpdateSession(ctx, &UpdateSession{ID: sessionID, AgentMetadata: &metadata})
	return err
}

func (s *Store) getSessionByIDUncached(ctx context.Context, id int32) (*Session, error) {
	query := s.db.Rebind(`
		SELECT id, uid, user_id, context_type, entity_id, message_count, token_count, summary, agent_metadata, created_ts, updated_ts
		FROM chat_session
		WHERE id = ?
	`)
	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.UID, &session.UserID, &session.ContextType, &session.EntityID,
		&session.MessageCount, &session.TokenCount, &session.Summary, &session.AgentMetadata,
		&session.CreatedTs, &session.UpdatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query session by id")
	}
	return session, nil
}

func (s *Store) sessionFromCache(ctx context.Context, uid string) *Session {
	if s.cache == nil {
		return nil
	}
	data, ok := s.cache.Get(ctx, sessionCachePrefix+uid)
	if !ok {
		return nil
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		slog.Warn("failed to unmarshal cached session", "uid", uid, "error", err)
		return nil
	}
	return &session
}

func (s *Store) sessionToCache(ctx context.Context, session *Session) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		slog.Warn("failed to marshal session for cache", "error", err)
		return
	}
	if err := s.cache.Set(ctx, sessionCachePrefix+session.UID, data, sessionCacheTTL); err != nil {
		slog.Warn("failed to update session cache", "uid", session.UID, "error", err)
	}
}
