// Package storage defines the persistence contract for the hosted surface.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrChallengeConsumed is returned when a challenge token was already spent.
// Callers surface it as a distinct condition so a replayed token is never
// mistaken for an unknown one.
var ErrChallengeConsumed = errors.New("challenge already consumed")

// ChallengeRecord is one issued challenge. SMS challenges carry a bcrypt
// code hash; biometric challenges carry the serialized ceremony session.
type ChallengeRecord struct {
	Token              string
	SessionID          string
	Kind               string
	CodeHash           string
	CeremonyJSON       string
	RetriesRemaining   int
	RetryDisabledUntil time.Time
	ConsumedAt         *time.Time
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// SessionRecord is the backend-held state of one handoff session.
type SessionRecord struct {
	SessionID       string
	Status          string
	Opener          string
	MetaSessionID   string
	ValidationToken string
	PhoneNumber     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TelemetryRecord is one analytics event appended by a client.
type TelemetryRecord struct {
	Name      string
	Severity  string
	Opener    string
	SessionID string
	Detail    string
	CreatedAt time.Time
}

// ChallengeStore persists issued challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, record ChallengeRecord) error
	GetChallenge(ctx context.Context, token string) (ChallengeRecord, error)
	// LatestChallenge returns the most recently created challenge of the
	// given kind for a session, or ErrNotFound.
	LatestChallenge(ctx context.Context, sessionID, kind string) (ChallengeRecord, error)
	// ConsumeChallenge marks the token spent. A second consume returns
	// ErrChallengeConsumed; an unknown token returns ErrNotFound.
	ConsumeChallenge(ctx context.Context, token string, at time.Time) (ChallengeRecord, error)
	DecrementChallengeRetries(ctx context.Context, token string) (int, error)
}

// SessionStore persists handoff sessions.
type SessionStore interface {
	PutSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	// UpdateSessionStatus applies a status transition. Terminal statuses
	// are sticky: once set, further updates are ignored.
	UpdateSessionStatus(ctx context.Context, sessionID, status, validationToken string, at time.Time) error
}

// TelemetryStore persists analytics events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, record TelemetryRecord) error
}

// Store is the full persistence surface the hosted app depends on.
type Store interface {
	ChallengeStore
	SessionStore
	TelemetryStore
}
