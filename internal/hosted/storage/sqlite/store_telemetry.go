package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/substrate-id/d2p/internal/hosted/storage"
)

const appendTelemetryQuery = `
INSERT INTO telemetry_events (name, severity, opener, session_id, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`

// AppendTelemetryEvent stores one analytics event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, record storage.TelemetryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.Name) == "" {
		return fmt.Errorf("telemetry event name is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, appendTelemetryQuery,
		record.Name,
		record.Severity,
		record.Opener,
		record.SessionID,
		record.Detail,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}
