package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/substrate-id/d2p/internal/d2p/challenge"
	"github.com/substrate-id/d2p/internal/hosted/storage"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/id"
)

// biometricRegistrationKind distinguishes enrollment challenges from login
// challenges in the challenges table.
const biometricRegistrationKind = "biometric_registration"

type biometricInitResponse struct {
	ChallengeToken string `json:"challengeToken"`
	ChallengeJSON  string `json:"challengeJson"`
}

type biometricRegisterRequest struct {
	ChallengeToken     string `json:"challengeToken"`
	DeviceResponseJSON string `json:"deviceResponseJson"`
}

func (s *Service) handleBiometricInit(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.biometric_init")
	defer span.End()

	sessionID := sessionIDFrom(ctx)
	user := &deviceUser{
		sessionID:   sessionID,
		credentials: s.credentialsFor(sessionID),
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.webAuthn.BeginRegistration(user, options...)
	if err != nil {
		writeError(w, fmt.Errorf("begin biometric registration: %w", err))
		return
	}

	challengeToken, err := id.NewID()
	if err != nil {
		writeError(w, fmt.Errorf("mint challenge token: %w", err))
		return
	}
	now := s.now()
	record := storage.ChallengeRecord{
		Token:            challengeToken,
		SessionID:        sessionID,
		Kind:             biometricRegistrationKind,
		RetriesRemaining: challenge.DefaultRetryBudget,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.ChallengeTTL),
	}
	if err := stashCeremony(&record, session); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutChallenge(ctx, record); err != nil {
		writeError(w, err)
		return
	}

	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		writeError(w, fmt.Errorf("encode registration options: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, biometricInitResponse{
		ChallengeToken: challengeToken,
		ChallengeJSON:  string(optionsJSON),
	})
}

func (s *Service) handleBiometricRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.biometric_register")
	defer span.End()

	var req biometricRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	challengeToken := strings.TrimSpace(req.ChallengeToken)
	if challengeToken == "" {
		writeError(w, apperrors.New(apperrors.CodeChallengeTokenRequired, "challenge token is required"))
		return
	}

	record, err := s.store.GetChallenge(ctx, challengeToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if record.Kind != biometricRegistrationKind {
		writeError(w, apperrors.New(apperrors.CodeChallengeIdentifierMismatch, "challenge is not a registration challenge"))
		return
	}
	now := s.now()
	if record.ConsumedAt != nil {
		writeError(w, apperrors.New(apperrors.CodeChallengeTokenConsumed, "challenge token was already used"))
		return
	}
	if now.After(record.ExpiresAt) {
		writeError(w, apperrors.New(apperrors.CodeChallengeExpired, "challenge is expired"))
		return
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes([]byte(req.DeviceResponseJSON))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeCeremonyMalformedOptions, "parse registration response", err))
		return
	}
	session, err := unstashCeremony(record)
	if err != nil {
		writeError(w, err)
		return
	}
	user := &deviceUser{
		sessionID:   record.SessionID,
		credentials: s.credentialsFor(record.SessionID),
	}
	credentialRecord, err := s.webAuthn.CreateCredential(user, session, parsed)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeCeremonyMalformedOptions, "create credential", err))
		return
	}

	if _, err := s.store.ConsumeChallenge(ctx, challengeToken, now); err != nil {
		if errors.Is(err, storage.ErrChallengeConsumed) {
			writeError(w, apperrors.New(apperrors.CodeChallengeTokenConsumed, "challenge token was already used"))
			return
		}
		writeError(w, err)
		return
	}
	s.rememberCredential(record.SessionID, *credentialRecord)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
