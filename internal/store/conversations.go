package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Conversation struct {
	ConversationID  string `json:"conversation_id"`
	UserID          string `json:"user_id"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// Message is immutable once written.
type Message struct {
	ID              int64  `json:"-"`
	MessageID       string `json:"message_id"`
	ConversationID  string `json:"conversation_id"`
	UserID          string `json:"user_id"`
	Role            string `json:"role"`
	Content         string `json:"content"`
	TokenEstimate   int    `json:"token_estimate"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

type Summary struct {
	ConversationID     string `json:"conversation_id"`
	UserID             string `json:"user_id"`
	Summary            string `json:"summary"`
	CoveredUntilUnixMs int64  `json:"covered_until_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
}

var ErrConversationOwner = errors.New("conversation belongs to another user")

// EnsureConversation returns the conversation, creating it lazily. An empty
// conversationID allocates a new one.
func (s *Store) EnsureConversation(ctx context.Context, userID string, conversationID string) (Conversation, error) {
	if s == nil || s.db == nil {
		return Conversation{}, errors.New("store not initialized")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" {
		return Conversation{}, errors.New("invalid request")
	}
	if conversationID == "" {
		conversationID = NewConversationID()
	}

	var c Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, user_id, created_at_unix_ms, updated_at_unix_ms
FROM conversations
WHERE conversation_id = ?
`, conversationID).Scan(&c.ConversationID, &c.UserID, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs)
	switch {
	case err == nil:
		if c.UserID != userID {
			return Conversation{}, ErrConversationOwner
		}
		return c, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Conversation{}, err
	}

	now := time.Now().UnixMilli()
	c = Conversation{ConversationID: conversationID, UserID: userID, CreatedAtUnixMs: now, UpdatedAtUnixMs: now}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(conversation_id, user_id, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
`, c.ConversationID, c.UserID, c.CreatedAtUnixMs, c.UpdatedAtUnixMs); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// AppendMessage appends m to its conversation. created_at never moves
// backwards within a conversation: an older timestamp is clamped to the
// latest existing one.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if s == nil || s.db == nil {
		return Message{}, errors.New("store not initialized")
	}
	m.ConversationID = strings.TrimSpace(m.ConversationID)
	m.UserID = strings.TrimSpace(m.UserID)
	m.Role = strings.TrimSpace(m.Role)
	if m.ConversationID == "" || m.UserID == "" {
		return Message{}, errors.New("invalid request")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Message{}, errors.New("invalid message role")
	}
	if strings.TrimSpace(m.Content) == "" {
		return Message{}, errors.New("invalid message")
	}
	if strings.TrimSpace(m.MessageID) == "" {
		m.MessageID = NewID("msg_")
	}
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE conversation_id = ?`, m.ConversationID).Scan(&owner); err != nil {
		return Message{}, err
	}
	if owner != m.UserID {
		return Message{}, ErrConversationOwner
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at_unix_ms) FROM messages WHERE conversation_id = ?`, m.ConversationID).Scan(&last); err != nil {
		return Message{}, err
	}
	if last.Valid && m.CreatedAtUnixMs < last.Int64 {
		m.CreatedAtUnixMs = last.Int64
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(message_id, conversation_id, user_id, role, content, token_estimate, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, m.MessageID, m.ConversationID, m.UserID, m.Role, m.Content, m.TokenEstimate, m.CreatedAtUnixMs)
	if err != nil {
		return Message{}, err
	}
	m.ID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at_unix_ms = ? WHERE conversation_id = ?`, m.CreatedAtUnixMs, m.ConversationID); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// RecentMessages returns up to limit latest messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, userID string, conversationID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, conversation_id, user_id, role, content, token_estimate, created_at_unix_ms
FROM messages
WHERE conversation_id = ? AND user_id = ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, conversationID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MessagesByID loads messages by message_id, preserving the order of ids.
// Unknown ids are skipped.
func (s *Store) MessagesByID(ctx context.Context, userID string, ids []string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("invalid request")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, conversation_id, user_id, role, content, token_estimate, created_at_unix_ms
FROM messages
WHERE user_id = ? AND message_id IN (`+marks+`)
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Message, len(found))
	for _, m := range found {
		byID[m.MessageID] = m
	}
	out := make([]Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.TokenEstimate, &m.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSummary returns sql.ErrNoRows when the conversation has no summary yet.
func (s *Store) GetSummary(ctx context.Context, userID string, conversationID string) (Summary, error) {
	if s == nil || s.db == nil {
		return Summary{}, errors.New("store not initialized")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return Summary{}, errors.New("invalid request")
	}
	var out Summary
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, user_id, summary, covered_until_unix_ms, updated_at_unix_ms
FROM conversation_summaries
WHERE conversation_id = ? AND user_id = ?
`, conversationID, userID).Scan(&out.ConversationID, &out.UserID, &out.Summary, &out.CoveredUntilUnixMs, &out.UpdatedAtUnixMs)
	if err != nil {
		return Summary{}, err
	}
	return out, nil
}

// PutSummary upserts the out-of-band conversation summary.
func (s *Store) PutSummary(ctx context.Context, sum Summary) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	sum.ConversationID = strings.TrimSpace(sum.ConversationID)
	sum.UserID = strings.TrimSpace(sum.UserID)
	sum.Summary = strings.TrimSpace(sum.Summary)
	if sum.ConversationID == "" || sum.UserID == "" || sum.Summary == "" {
		return errors.New("invalid request")
	}
	if sum.UpdatedAtUnixMs <= 0 {
		sum.UpdatedAtUnixMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_summaries(conversation_id, user_id, summary, covered_until_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
  summary = excluded.summary,
  covered_until_unix_ms = excluded.covered_until_unix_ms,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, sum.ConversationID, sum.UserID, sum.Summary, sum.CoveredUntilUnixMs, sum.UpdatedAtUnixMs)
	return err
}

// StaleConversations lists conversations whose latest message is older than
// cutoff and whose summary (if any) does not cover that message yet.
func (s *Store) StaleConversations(ctx context.Context, cutoffUnixMs int64, limit int) ([]Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.conversation_id, c.user_id, c.created_at_unix_ms, c.updated_at_unix_ms
FROM conversations c
LEFT JOIN conversation_summaries s ON s.conversation_id = c.conversation_id
WHERE c.updated_at_unix_ms < ?
  AND (s.conversation_id IS NULL OR s.covered_until_unix_ms < c.updated_at_unix_ms)
ORDER BY c.updated_at_unix_ms ASC
LIMIT ?
`, cutoffUnixMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Conversation, 0, 8)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ConversationID, &c.UserID, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
