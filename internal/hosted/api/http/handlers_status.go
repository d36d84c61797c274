package http

import (
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/substrate-id/d2p/internal/d2p/status"
	"github.com/substrate-id/d2p/internal/hosted/storage"
	"github.com/substrate-id/d2p/internal/hosted/token"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/id"
)

type startSessionRequest struct {
	Opener      string `json:"opener"`
	PhoneNumber string `json:"phoneNumber"`
}

type startSessionResponse struct {
	SessionID   string `json:"sessionId"`
	ScopedToken string `json:"scopedToken"`
}

// handleStartSession creates a handoff session and mints the scoped token
// both devices present for the rest of the flow.
func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.start_session")
	defer span.End()

	var req startSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sessionID, err := id.NewID()
	if err != nil {
		writeError(w, fmt.Errorf("mint session id: %w", err))
		return
	}
	now := s.now()
	record := storage.SessionRecord{
		SessionID:     sessionID,
		Status:        string(status.StatusPending),
		Opener:        strings.TrimSpace(req.Opener),
		MetaSessionID: sessionID,
		PhoneNumber:   strings.TrimSpace(req.PhoneNumber),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.PutSession(ctx, record); err != nil {
		writeError(w, err)
		return
	}

	scopedToken, err := token.Mint(s.tokens, token.PurposeHandoff, sessionID)
	if err != nil {
		writeError(w, fmt.Errorf("mint scoped token: %w", err))
		return
	}
	span.SetAttributes(attribute.String("session.id", sessionID))
	writeJSON(w, http.StatusOK, startSessionResponse{
		SessionID:   sessionID,
		ScopedToken: scopedToken,
	})
}

func (s *Service) handleStatusGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.status_get")
	defer span.End()

	record, err := s.store.GetSession(ctx, sessionIDFrom(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status.Poll{
		Status: status.Status(record.Status),
		Meta: status.Meta{
			Opener:    record.Opener,
			SessionID: record.MetaSessionID,
		},
		ValidationToken: record.ValidationToken,
	})
}

func (s *Service) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.status_report")
	defer span.End()

	var report status.Report
	if err := decodeBody(r, &report); err != nil {
		writeError(w, err)
		return
	}
	if !report.Status.Valid() {
		writeError(w, apperrors.New(apperrors.CodeHandoffStatusInvalid, "report status is invalid"))
		return
	}
	span.SetAttributes(attribute.String("session.status", string(report.Status)))

	err := s.store.UpdateSessionStatus(ctx, sessionIDFrom(ctx), string(report.Status), report.ValidationToken, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSkipLiveness records that the responder opted out of the biometric
// requirement. The session proceeds without a verified credential.
func (s *Service) handleSkipLiveness(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.skip_liveness")
	defer span.End()

	sessionID := sessionIDFrom(ctx)
	err := s.store.AppendTelemetryEvent(ctx, storage.TelemetryRecord{
		Name:      "liveness_skipped",
		Severity:  "INFO",
		SessionID: sessionID,
		CreatedAt: s.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
