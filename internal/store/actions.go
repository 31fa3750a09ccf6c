package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrActionPending means another confirmation of the same action is
	// still running.
	ErrActionPending = errors.New("action confirmation in progress")
	// ErrActionOwner means the action id was claimed by a different user.
	ErrActionOwner = errors.New("action belongs to another user")
)

// A pending claim older than this is treated as abandoned (the confirming
// process died between claim and completion) and may be taken over.
const actionClaimTTL = time.Minute

const (
	actionStatusPending   = "pending"
	actionStatusCommitted = "committed"
)

// ClaimAction reserves actionID for confirmation. claimed is false when the
// action was already confirmed; recordIDs then holds the records it wrote.
func (s *Store) ClaimAction(ctx context.Context, userID string, actionID string, toolName string) (claimed bool, recordIDs []string, err error) {
	if s == nil || s.db == nil {
		return false, nil, errors.New("store not initialized")
	}
	userID = strings.TrimSpace(userID)
	actionID = strings.TrimSpace(actionID)
	if userID == "" || actionID == "" {
		return false, nil, errors.New("invalid request")
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO confirmed_actions(action_id, user_id, tool_name, status, record_ids, updated_at_unix_ms)
VALUES(?, ?, ?, ?, '[]', ?)
ON CONFLICT(action_id) DO UPDATE SET
  updated_at_unix_ms = excluded.updated_at_unix_ms
WHERE confirmed_actions.status = ? AND confirmed_actions.user_id = excluded.user_id
  AND confirmed_actions.updated_at_unix_ms < ?
`, actionID, userID, strings.TrimSpace(toolName), actionStatusPending, now,
		actionStatusPending, now-actionClaimTTL.Milliseconds())
	if err != nil {
		return false, nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil, nil
	}

	var (
		owner  string
		status string
		raw    string
	)
	err = s.db.QueryRowContext(ctx, `
SELECT user_id, status, record_ids FROM confirmed_actions WHERE action_id = ?
`, actionID).Scan(&owner, &status, &raw)
	if err != nil {
		return false, nil, err
	}
	if owner != userID {
		return false, nil, ErrActionOwner
	}
	if status != actionStatusCommitted {
		return false, nil, ErrActionPending
	}
	if err := json.Unmarshal([]byte(raw), &recordIDs); err != nil {
		return false, nil, err
	}
	return false, recordIDs, nil
}

// CompleteAction marks a claimed action as confirmed with the records it wrote.
func (s *Store) CompleteAction(ctx context.Context, userID string, actionID string, recordIDs []string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if recordIDs == nil {
		recordIDs = []string{}
	}
	b, err := json.Marshal(recordIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE confirmed_actions SET status = ?, record_ids = ?, updated_at_unix_ms = ?
WHERE action_id = ? AND user_id = ?
`, actionStatusCommitted, string(b), time.Now().UnixMilli(), strings.TrimSpace(actionID), strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReleaseAction drops a pending claim after a failed write so the user can
// confirm again.
func (s *Store) ReleaseAction(ctx context.Context, userID string, actionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM confirmed_actions WHERE action_id = ? AND user_id = ? AND status = ?
`, strings.TrimSpace(actionID), strings.TrimSpace(userID), actionStatusPending)
	return err
}
