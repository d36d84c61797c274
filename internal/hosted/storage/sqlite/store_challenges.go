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

const putChallengeQuery = `
INSERT INTO challenges (
    token, session_id, kind, code_hash, ceremony_json,
    retries_remaining, retry_disabled_until, created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const getChallengeQuery = `
SELECT token, session_id, kind, code_hash, ceremony_json,
       retries_remaining, retry_disabled_until, consumed_at, created_at, expires_at
FROM challenges
WHERE token = ?;
`

const latestChallengeQuery = `
SELECT token, session_id, kind, code_hash, ceremony_json,
       retries_remaining, retry_disabled_until, consumed_at, created_at, expires_at
FROM challenges
WHERE session_id = ? AND kind = ?
ORDER BY created_at DESC, token DESC
LIMIT 1;
`

const consumeChallengeQuery = `
UPDATE challenges
SET consumed_at = ?
WHERE token = ? AND consumed_at IS NULL;
`

const decrementRetriesQuery = `
UPDATE challenges
SET retries_remaining = retries_remaining - 1
WHERE token = ? AND retries_remaining > 0;
`

// PutChallenge persists a freshly issued challenge.
func (s *Store) PutChallenge(ctx context.Context, record storage.ChallengeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.Token) == "" {
		return fmt.Errorf("challenge token is required")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, putChallengeQuery,
		record.Token,
		record.SessionID,
		record.Kind,
		record.CodeHash,
		record.CeremonyJSON,
		record.RetriesRemaining,
		toMillis(record.RetryDisabledUntil),
		toMillis(record.CreatedAt),
		toMillis(record.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// GetChallenge fetches a challenge by token.
func (s *Store) GetChallenge(ctx context.Context, token string) (storage.ChallengeRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChallengeRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return storage.ChallengeRecord{}, fmt.Errorf("challenge token is required")
	}

	return s.scanChallenge(s.sqlDB.QueryRowContext(ctx, getChallengeQuery, token))
}

// LatestChallenge returns the newest challenge of a kind for the session.
func (s *Store) LatestChallenge(ctx context.Context, sessionID, kind string) (storage.ChallengeRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChallengeRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.ChallengeRecord{}, fmt.Errorf("session id is required")
	}

	return s.scanChallenge(s.sqlDB.QueryRowContext(ctx, latestChallengeQuery, sessionID, kind))
}

// ConsumeChallenge marks the token spent exactly once. Replaying a consumed
// token surfaces storage.ErrChallengeConsumed rather than ErrNotFound so the
// API layer can answer with the distinct replay error.
func (s *Store) ConsumeChallenge(ctx context.Context, token string, at time.Time) (storage.ChallengeRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChallengeRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return storage.ChallengeRecord{}, fmt.Errorf("challenge token is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, consumeChallengeQuery, toMillis(at), token)
	if err != nil {
		return storage.ChallengeRecord{}, fmt.Errorf("consume challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.ChallengeRecord{}, fmt.Errorf("consume challenge rows: %w", err)
	}
	record, getErr := s.GetChallenge(ctx, token)
	if affected == 0 {
		if errors.Is(getErr, storage.ErrNotFound) {
			return storage.ChallengeRecord{}, storage.ErrNotFound
		}
		if getErr != nil {
			return storage.ChallengeRecord{}, getErr
		}
		return storage.ChallengeRecord{}, storage.ErrChallengeConsumed
	}
	return record, getErr
}

// DecrementChallengeRetries spends one retry and returns the remainder.
func (s *Store) DecrementChallengeRetries(ctx context.Context, token string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(ctx, decrementRetriesQuery, token); err != nil {
		return 0, fmt.Errorf("decrement retries: %w", err)
	}
	record, err := s.GetChallenge(ctx, token)
	if err != nil {
		return 0, err
	}
	return record.RetriesRemaining, nil
}

func (s *Store) scanChallenge(row *sql.Row) (storage.ChallengeRecord, error) {
	var record storage.ChallengeRecord
	var retryDisabledUntil, createdAt, expiresAt int64
	var consumedAt sql.NullInt64

	err := row.Scan(
		&record.Token,
		&record.SessionID,
		&record.Kind,
		&record.CodeHash,
		&record.CeremonyJSON,
		&record.RetriesRemaining,
		&retryDisabledUntil,
		&consumedAt,
		&createdAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChallengeRecord{}, storage.ErrNotFound
		}
		return storage.ChallengeRecord{}, fmt.Errorf("get challenge: %w", err)
	}

	record.RetryDisabledUntil = fromMillis(retryDisabledUntil)
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	if consumedAt.Valid {
		at := fromMillis(consumedAt.Int64)
		record.ConsumedAt = &at
	}
	return record, nil
}
