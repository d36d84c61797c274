package http

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/substrate-id/d2p/internal/d2p/challenge"
	"github.com/substrate-id/d2p/internal/hosted/storage"
	"github.com/substrate-id/d2p/internal/hosted/token"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/id"
)

const smsCodeLength = 6

type loginChallengeRequest struct {
	ChallengeKind string `json:"challengeKind"`
	Identifier    string `json:"identifier"`
}

type challengeDataWire struct {
	ChallengeKind          string `json:"challengeKind"`
	ChallengeID            string `json:"challengeId,omitempty"`
	ChallengeToken         string `json:"challengeToken"`
	BiometricChallengeJSON string `json:"biometricChallengeJson,omitempty"`
	TimeBeforeRetryS       int    `json:"timeBeforeRetryS"`
}

type loginChallengeResponse struct {
	ChallengeData challengeDataWire `json:"challengeData"`
}

type verifyRequest struct {
	ChallengeToken    string `json:"challengeToken"`
	ChallengeResponse string `json:"challengeResponse"`
}

type verifyResponse struct {
	AuthToken string `json:"authToken"`
}

func (s *Service) handleLoginChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.login_challenge")
	defer span.End()

	var req loginChallengeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind := challenge.Kind(strings.TrimSpace(req.ChallengeKind))
	span.SetAttributes(attribute.String("challenge.kind", string(kind)))
	if kind != challenge.KindSMS && kind != challenge.KindBiometric {
		writeError(w, apperrors.New(apperrors.CodeChallengeIdentifierMismatch, "unknown challenge kind"))
		return
	}
	if !challenge.ValidIdentifier(kind, req.Identifier) {
		writeError(w, apperrors.New(apperrors.CodeChallengeIdentifierMismatch, "identifier does not match challenge kind"))
		return
	}

	sessionID := sessionIDFrom(ctx)
	now := s.now()

	// Server-side cooldown: a fresh unconsumed challenge of the same kind
	// blocks re-issuance until its retry window elapses.
	latest, err := s.store.LatestChallenge(ctx, sessionID, string(kind))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, err)
		return
	}
	if err == nil && latest.ConsumedAt == nil && now.Before(latest.RetryDisabledUntil) {
		writeError(w, apperrors.WithMetadata(
			apperrors.CodeChallengeRateLimited,
			"challenge requested before retry cooldown elapsed",
			map[string]string{"retry_at": latest.RetryDisabledUntil.UTC().String()},
		))
		return
	}

	challengeToken, err := id.NewID()
	if err != nil {
		writeError(w, fmt.Errorf("mint challenge token: %w", err))
		return
	}

	record := storage.ChallengeRecord{
		Token:              challengeToken,
		SessionID:          sessionID,
		Kind:               string(kind),
		RetriesRemaining:   challenge.DefaultRetryBudget,
		RetryDisabledUntil: now.Add(s.cfg.SMSRetryCooldown),
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.ChallengeTTL),
	}
	data := challengeDataWire{
		ChallengeKind:    string(kind),
		ChallengeToken:   challengeToken,
		TimeBeforeRetryS: int(s.cfg.SMSRetryCooldown.Seconds()),
	}

	switch kind {
	case challenge.KindSMS:
		code, err := s.newCode()
		if err != nil {
			writeError(w, fmt.Errorf("generate sms code: %w", err))
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, fmt.Errorf("hash sms code: %w", err))
			return
		}
		record.CodeHash = string(hash)
		data.ChallengeID = challengeToken
		// No SMS provider is wired into the reference surface; the code
		// lands in the process log for operators and simulators.
		log.Printf("sms challenge issued session=%s identifier=%s code=%s", sessionID, req.Identifier, code)

	case challenge.KindBiometric:
		creds := s.credentialsFor(sessionID)
		if len(creds) == 0 {
			writeError(w, apperrors.New(apperrors.CodeCeremonyUnavailable, "no biometric credential registered for this session"))
			return
		}
		user := &deviceUser{sessionID: sessionID, credentials: creds}
		assertion, session, err := s.webAuthn.BeginLogin(user)
		if err != nil {
			writeError(w, fmt.Errorf("begin biometric login: %w", err))
			return
		}
		if err := stashCeremony(&record, session); err != nil {
			writeError(w, err)
			return
		}
		optionsJSON, err := json.Marshal(assertion)
		if err != nil {
			writeError(w, fmt.Errorf("encode assertion options: %w", err))
			return
		}
		data.BiometricChallengeJSON = string(optionsJSON)
	}

	if err := s.store.PutChallenge(ctx, record); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginChallengeResponse{ChallengeData: data})
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "hosted.verify")
	defer span.End()

	var req verifyRequest
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
	now := s.now()
	if record.ConsumedAt != nil {
		writeError(w, apperrors.New(apperrors.CodeChallengeTokenConsumed, "challenge token was already used"))
		return
	}
	if now.After(record.ExpiresAt) {
		writeError(w, apperrors.New(apperrors.CodeChallengeExpired, "challenge is expired"))
		return
	}
	// A challenge with no retries left is burned, even for a correct
	// response; the client must request a fresh one.
	if record.RetriesRemaining <= 0 {
		writeError(w, apperrors.New(apperrors.CodeChallengeExhausted, "challenge retry budget exhausted"))
		return
	}

	switch challenge.Kind(record.Kind) {
	case challenge.KindSMS:
		if err := bcrypt.CompareHashAndPassword([]byte(record.CodeHash), []byte(strings.TrimSpace(req.ChallengeResponse))); err != nil {
			s.chargeRetry(ctx, challengeToken)
			writeError(w, apperrors.New(apperrors.CodeChallengeCodeInvalid, "verification code is incorrect"))
			return
		}

	case challenge.KindBiometric:
		if err := s.verifyAssertion(record, req.ChallengeResponse); err != nil {
			s.chargeRetry(ctx, challengeToken)
			writeError(w, err)
			return
		}

	default:
		writeError(w, apperrors.New(apperrors.CodeChallengeIdentifierMismatch, "challenge kind cannot be verified"))
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

	authToken, err := token.Mint(s.tokens, token.PurposeValidation, record.SessionID)
	if err != nil {
		writeError(w, fmt.Errorf("mint validation token: %w", err))
		return
	}
	span.SetAttributes(attribute.Bool("challenge.verified", true))
	writeJSON(w, http.StatusOK, verifyResponse{AuthToken: authToken})
}

// chargeRetry spends one retry from the challenge budget after a failed
// verification attempt.
func (s *Service) chargeRetry(ctx context.Context, challengeToken string) {
	if _, err := s.store.DecrementChallengeRetries(ctx, challengeToken); err != nil {
		log.Printf("decrement challenge retries failed token=%s err=%v", challengeToken, err)
	}
}

func (s *Service) verifyAssertion(record storage.ChallengeRecord, responseJSON string) error {
	parsed, err := s.parser.ParseCredentialRequestResponseBytes([]byte(responseJSON))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeChallengeCodeInvalid, "parse assertion response", err)
	}
	session, err := unstashCeremony(record)
	if err != nil {
		return err
	}
	user := &deviceUser{
		sessionID:   record.SessionID,
		credentials: s.credentialsFor(record.SessionID),
	}
	if _, err := s.webAuthn.ValidateLogin(user, session, parsed); err != nil {
		return apperrors.Wrap(apperrors.CodeChallengeCodeInvalid, "validate assertion", err)
	}
	return nil
}

// stashCeremony stores the relying party's ceremony session alongside the
// challenge so verification can resume on any process.
func stashCeremony(record *storage.ChallengeRecord, session *webauthn.SessionData) error {
	encoded, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode ceremony session: %w", err)
	}
	record.CeremonyJSON = string(encoded)
	return nil
}

func unstashCeremony(record storage.ChallengeRecord) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(record.CeremonyJSON), &session); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode ceremony session: %w", err)
	}
	return session, nil
}

// newSMSCode returns a uniformly random six-digit code.
func newSMSCode() (string, error) {
	bound := big.NewInt(1)
	for i := 0; i < smsCodeLength; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", smsCodeLength, value), nil
}
