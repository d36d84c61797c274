// Package telemetry records analytics events for handoff flows.
//
// Events carry the D2P meta context (opener, session id) for analytics
// correlation only; nothing in the protocol reads them back.
package telemetry

import (
	"context"
	"log"
	"time"
)

// Severity describes the telemetry severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event is a single analytics record.
type Event struct {
	Name      string
	Severity  Severity
	Opener    string
	SessionID string
	Detail    string
	Timestamp time.Time
}

// Store persists telemetry events.
type Store interface {
	AppendTelemetryEvent(ctx context.Context, evt Event) error
}

// Emitter records operational telemetry events.
type Emitter struct {
	store Store
	clock func() time.Time
}

// NewEmitter creates a new telemetry emitter.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records a telemetry event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}

// LogStore writes telemetry events to the process log. It backs the client
// core, which has no database of its own.
type LogStore struct{}

// AppendTelemetryEvent logs the event in key=value form.
func (LogStore) AppendTelemetryEvent(_ context.Context, evt Event) error {
	log.Printf(
		"telemetry event=%s severity=%s opener=%s session_id=%s detail=%q",
		evt.Name, evt.Severity, evt.Opener, evt.SessionID, evt.Detail,
	)
	return nil
}
