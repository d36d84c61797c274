package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/substrate-id/d2p/internal/hosted/storage"
)

const putSessionQuery = `
INSERT INTO d2p_sessions (
    session_id, status, opener, meta_session_id, validation_token,
    phone_number, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    status = excluded.status,
    opener = excluded.opener,
    meta_session_id = excluded.meta_session_id,
    validation_token = excluded.validation_token,
    phone_number = excluded.phone_number,
    updated_at = excluded.updated_at;
`

const getSessionQuery = `
SELECT session_id, status, opener, meta_session_id, validation_token,
       phone_number, created_at, updated_at
FROM d2p_sessions
WHERE session_id = ?;
`

// updateSessionStatusQuery is monotonic: a session already in a terminal
// status never transitions again.
const updateSessionStatusQuery = `
UPDATE d2p_sessions
SET status = ?,
    validation_token = CASE WHEN ? != '' THEN ? ELSE validation_token END,
    updated_at = ?
WHERE session_id = ?
  AND status NOT IN ('completed', 'canceled', 'failed');
`

// PutSession creates or replaces a handoff session record.
func (s *Store) PutSession(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(record.Status) == "" {
		return fmt.Errorf("session status is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, putSessionQuery,
		record.SessionID,
		record.Status,
		record.Opener,
		record.MetaSessionID,
		record.ValidationToken,
		record.PhoneNumber,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a handoff session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}

	var record storage.SessionRecord
	var createdAt, updatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, getSessionQuery, sessionID).Scan(
		&record.SessionID,
		&record.Status,
		&record.Opener,
		&record.MetaSessionID,
		&record.ValidationToken,
		&record.PhoneNumber,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// UpdateSessionStatus applies a status transition. Terminal statuses stick;
// an update against a finished session is silently ignored so late reports
// from a slow device cannot reopen the handoff.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status, validationToken string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("session status is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, updateSessionStatusQuery,
		status, validationToken, validationToken, toMillis(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return getErr
		}
	}
	return nil
}
