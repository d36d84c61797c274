package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/substrate-id/d2p/internal/hosted/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "hosted.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChallenge(now time.Time) storage.ChallengeRecord {
	return storage.ChallengeRecord{
		Token:              "chal-1",
		SessionID:          "sess-1",
		Kind:               "sms",
		CodeHash:           "$2a$10$fakehash",
		RetriesRemaining:   3,
		RetryDisabledUntil: now.Add(30 * time.Second),
		CreatedAt:          now,
		ExpiresAt:          now.Add(5 * time.Minute),
	}
}

func TestPutAndGetChallenge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutChallenge(ctx, testChallenge(now)); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	record, err := store.GetChallenge(ctx, "chal-1")
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if record.SessionID != "sess-1" || record.Kind != "sms" {
		t.Fatalf("unexpected challenge record: %+v", record)
	}
	if record.RetriesRemaining != 3 {
		t.Fatalf("expected 3 retries, got %d", record.RetriesRemaining)
	}
	if !record.RetryDisabledUntil.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("unexpected retry cooldown: %v", record.RetryDisabledUntil)
	}
	if record.ConsumedAt != nil {
		t.Fatal("expected challenge to be unconsumed")
	}

	if _, err := store.GetChallenge(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeChallengeOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutChallenge(ctx, testChallenge(now)); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	record, err := store.ConsumeChallenge(ctx, "chal-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("consume challenge: %v", err)
	}
	if record.ConsumedAt == nil || !record.ConsumedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected consumed_at to be recorded, got %v", record.ConsumedAt)
	}

	if _, err := store.ConsumeChallenge(ctx, "chal-1", now.Add(2*time.Minute)); !errors.Is(err, storage.ErrChallengeConsumed) {
		t.Fatalf("expected ErrChallengeConsumed on replay, got %v", err)
	}
	if _, err := store.ConsumeChallenge(ctx, "missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecrementChallengeRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutChallenge(ctx, testChallenge(now)); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	for want := 2; want >= 0; want-- {
		remaining, err := store.DecrementChallengeRetries(ctx, "chal-1")
		if err != nil {
			t.Fatalf("decrement retries: %v", err)
		}
		if remaining != want {
			t.Fatalf("expected %d retries remaining, got %d", want, remaining)
		}
	}

	// The floor is zero; further decrements do not go negative.
	remaining, err := store.DecrementChallengeRetries(ctx, "chal-1")
	if err != nil {
		t.Fatalf("decrement retries at floor: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected retries floor of 0, got %d", remaining)
	}
}

func TestPutAndGetSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record := storage.SessionRecord{
		SessionID:     "sess-1",
		Status:        "in_progress",
		Opener:        "desktop",
		MetaSessionID: "meta-1",
		PhoneNumber:   "+15555550123",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.PutSession(ctx, record); err != nil {
		t.Fatalf("put session: %v", err)
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != "in_progress" || got.Opener != "desktop" {
		t.Fatalf("unexpected session record: %+v", got)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionStatusTerminalIsSticky(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.PutSession(ctx, storage.SessionRecord{
		SessionID: "sess-1",
		Status:    "in_progress",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put session: %v", err)
	}

	if err := store.UpdateSessionStatus(ctx, "sess-1", "completed", "validated-abc", now.Add(time.Minute)); err != nil {
		t.Fatalf("update to completed: %v", err)
	}
	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != "completed" || got.ValidationToken != "validated-abc" {
		t.Fatalf("unexpected session after completion: %+v", got)
	}

	// A late cancel from a slow device must not reopen the session.
	if err := store.UpdateSessionStatus(ctx, "sess-1", "canceled", "", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("late update: %v", err)
	}
	got, err = store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("expected terminal status to stick, got %s", got.Status)
	}
	if got.ValidationToken != "validated-abc" {
		t.Fatalf("expected validation token to survive, got %q", got.ValidationToken)
	}

	if err := store.UpdateSessionStatus(ctx, "missing", "completed", "", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTelemetryEvent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := store.AppendTelemetryEvent(ctx, storage.TelemetryRecord{
		Name:      "handoff_completed",
		Severity:  "INFO",
		Opener:    "desktop",
		SessionID: "sess-1",
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("append telemetry event: %v", err)
	}

	var count int
	if err := store.sqlDB.QueryRow("SELECT COUNT(*) FROM telemetry_events").Scan(&count); err != nil {
		t.Fatalf("count telemetry events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 telemetry event, got %d", count)
	}

	if err := store.AppendTelemetryEvent(ctx, storage.TelemetryRecord{}); err == nil {
		t.Fatal("expected error for event without a name")
	}
}
