package http

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/substrate-id/d2p/internal/d2p/challenge"
	"github.com/substrate-id/d2p/internal/d2p/status"
	"github.com/substrate-id/d2p/internal/hosted/storage/sqlite"
	"github.com/substrate-id/d2p/internal/hosted/token"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
)

func testTokenConfig(t *testing.T, now time.Time) token.Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return token.Config{
		Issuer:   "substrate-hosted",
		Audience: "d2p",
		Key:      priv,
		TTL:      10 * time.Minute,
		Now:      func() time.Time { return now },
	}
}

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "hosted.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(store, testTokenConfig(t, now), Config{
		RPDisplayName:    "Test",
		RPID:             "localhost",
		RPOrigins:        []string{"http://localhost"},
		SMSRetryCooldown: 30 * time.Second,
		ChallengeTTL:     5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.clock = func() time.Time { return now }
	svc.newCode = func() (string, error) { return "482913", nil }
	return svc
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func startSession(t *testing.T, handler http.Handler) (string, string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/hosted/onboarding/d2p", "", startSessionRequest{
		Opener:      "desktop",
		PhoneNumber: "+15555550123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start session returned %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse[startSessionResponse](t, rec)
	if resp.SessionID == "" || resp.ScopedToken == "" {
		t.Fatalf("incomplete start session response: %+v", resp)
	}
	return resp.SessionID, resp.ScopedToken
}

func TestStartSessionIsPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/hosted/onboarding/d2p/status", scopedToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d: %s", rec.Code, rec.Body.String())
	}
	poll := decodeResponse[status.Poll](t, rec)
	if poll.Status != status.StatusPending {
		t.Fatalf("expected pending status, got %s", poll.Status)
	}
	if poll.Meta.Opener != "desktop" {
		t.Fatalf("expected opener meta, got %+v", poll.Meta)
	}
}

func TestStatusRequiresBearerToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/hosted/onboarding/d2p/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/hosted/onboarding/d2p/status", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus token, got %d", rec.Code)
	}
}

func TestSMSChallengeAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	sessionID, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "sms",
		Identifier:    "+15555550123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login challenge returned %d: %s", rec.Code, rec.Body.String())
	}
	issued := decodeResponse[loginChallengeResponse](t, rec)
	if issued.ChallengeData.ChallengeToken == "" {
		t.Fatal("expected a challenge token")
	}
	if issued.ChallengeData.TimeBeforeRetryS != 30 {
		t.Fatalf("expected 30s retry window, got %d", issued.ChallengeData.TimeBeforeRetryS)
	}

	// Wrong code: rejected without consuming the token.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/verify", scopedToken, verifyRequest{
		ChallengeToken:    issued.ChallengeData.ChallengeToken,
		ChallengeResponse: "000000",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong code, got %d", rec.Code)
	}
	wireErr := decodeResponse[errorWire](t, rec)
	if wireErr.Code != string(apperrors.CodeChallengeCodeInvalid) {
		t.Fatalf("expected code invalid error, got %+v", wireErr)
	}

	// Right code: verified, auth token minted for the session.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/verify", scopedToken, verifyRequest{
		ChallengeToken:    issued.ChallengeData.ChallengeToken,
		ChallengeResponse: "482913",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify returned %d: %s", rec.Code, rec.Body.String())
	}
	verified := decodeResponse[verifyResponse](t, rec)
	claims, err := token.Verify(verified.AuthToken, token.PurposeValidation, svc.tokens)
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if claims.SessionID != sessionID {
		t.Fatalf("expected token session %s, got %s", sessionID, claims.SessionID)
	}

	// Replay: the consumed token answers with its own distinct error.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/verify", scopedToken, verifyRequest{
		ChallengeToken:    issued.ChallengeData.ChallengeToken,
		ChallengeResponse: "482913",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for replay, got %d", rec.Code)
	}
	wireErr = decodeResponse[errorWire](t, rec)
	if wireErr.Code != string(apperrors.CodeChallengeTokenConsumed) {
		t.Fatalf("expected consumed error, got %+v", wireErr)
	}
}

func TestSMSVerifyBurnsChallengeAfterRetryBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "sms",
		Identifier:    "+15555550123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login challenge returned %d: %s", rec.Code, rec.Body.String())
	}
	issued := decodeResponse[loginChallengeResponse](t, rec)
	challengeToken := issued.ChallengeData.ChallengeToken

	// Each wrong code spends one retry.
	for i := 0; i < challenge.DefaultRetryBudget; i++ {
		rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/verify", scopedToken, verifyRequest{
			ChallengeToken:    challengeToken,
			ChallengeResponse: "000000",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400 for wrong code, got %d", i+1, rec.Code)
		}
	}

	record, err := svc.store.GetChallenge(context.Background(), challengeToken)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if record.RetriesRemaining != 0 {
		t.Fatalf("retries remaining = %d, want 0", record.RetriesRemaining)
	}

	// The budget is spent; even the correct code no longer verifies.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/verify", scopedToken, verifyRequest{
		ChallengeToken:    challengeToken,
		ChallengeResponse: "482913",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for exhausted challenge, got %d", rec.Code)
	}
	wireErr := decodeResponse[errorWire](t, rec)
	if wireErr.Code != string(apperrors.CodeChallengeExhausted) {
		t.Fatalf("expected exhausted error, got %+v", wireErr)
	}
}

func TestSMSChallengeRateLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "sms",
		Identifier:    "+15555550123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first challenge returned %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "sms",
		Identifier:    "+15555550123",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside cooldown, got %d", rec.Code)
	}
	wireErr := decodeResponse[errorWire](t, rec)
	if wireErr.Code != string(apperrors.CodeChallengeRateLimited) {
		t.Fatalf("expected rate limited error, got %+v", wireErr)
	}
}

func TestLoginChallengeRejectsBadIdentifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "sms",
		Identifier:    "not-a-phone",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad identifier, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "biometric",
		Identifier:    "+15555550123",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for biometric with identifier, got %d", rec.Code)
	}
}

func TestStatusReportTerminalIsSticky(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/hosted/onboarding/d2p/status", scopedToken, status.Report{
		Status: status.StatusInProgress,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("report in_progress returned %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/hosted/onboarding/d2p/status", scopedToken, status.Report{
		Status:          status.StatusCompleted,
		ValidationToken: "validated-abc",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("report completed returned %d", rec.Code)
	}

	// Late cancel after completion changes nothing.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/onboarding/d2p/status", scopedToken, status.Report{
		Status: status.StatusCanceled,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("late cancel returned %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/hosted/onboarding/d2p/status", scopedToken, nil)
	poll := decodeResponse[status.Poll](t, rec)
	if poll.Status != status.StatusCompleted {
		t.Fatalf("expected completed to stick, got %s", poll.Status)
	}
	if poll.ValidationToken != "validated-abc" {
		t.Fatalf("expected validation token relay, got %q", poll.ValidationToken)
	}
}

func TestSkipLiveness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/hosted/onboarding/skip_liveness", scopedToken, map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("skip liveness returned %d: %s", rec.Code, rec.Body.String())
	}
}

// fakeRelyingParty cans every WebAuthn ceremony so handler plumbing can be
// tested without real attestation material.
type fakeRelyingParty struct {
	loginValidated    bool
	registrationBuilt bool
}

func (f *fakeRelyingParty) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	f.registrationBuilt = true
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: "reg-challenge", UserID: user.WebAuthnID()}, nil
}

func (f *fakeRelyingParty) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return &webauthn.Credential{ID: []byte{0x01, 0x02}}, nil
}

func (f *fakeRelyingParty) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "login-challenge", UserID: user.WebAuthnID()}, nil
}

func (f *fakeRelyingParty) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	f.loginValidated = true
	return &webauthn.Credential{ID: []byte{0x01, 0x02}}, nil
}

type fakeParser struct{}

func (fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, nil
}

func TestBiometricRegistrationAndLogin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	rp := &fakeRelyingParty{}
	svc.webAuthn = rp
	svc.parser = fakeParser{}
	handler := svc.Handler()

	_, scopedToken := startSession(t, handler)

	// Biometric login is refused until a credential is registered.
	rec := doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "biometric",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before enrollment, got %d", rec.Code)
	}
	if wireErr := decodeResponse[errorWire](t, rec); wireErr.Code != string(apperrors.CodeCeremonyUnavailable) {
		t.Fatalf("expected ceremony unavailable, got %+v", wireErr)
	}

	// Enroll a credential.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/user/biometric/init", scopedToken, map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("biometric init returned %d: %s", rec.Code, rec.Body.String())
	}
	init := decodeResponse[biometricInitResponse](t, rec)
	if init.ChallengeToken == "" || init.ChallengeJSON == "" {
		t.Fatalf("incomplete init response: %+v", init)
	}
	if !rp.registrationBuilt {
		t.Fatal("expected BeginRegistration to be called")
	}

	rec = doJSON(t, handler, http.MethodPost, "/hosted/user/biometric", scopedToken, biometricRegisterRequest{
		ChallengeToken:     init.ChallengeToken,
		DeviceResponseJSON: `{"rawId":"AQI","id":"AQI","type":"public-key"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("biometric register returned %d: %s", rec.Code, rec.Body.String())
	}

	// Now the login challenge succeeds and verifies.
	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/login_challenge", scopedToken, loginChallengeRequest{
		ChallengeKind: "biometric",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("biometric challenge returned %d: %s", rec.Code, rec.Body.String())
	}
	issued := decodeResponse[loginChallengeResponse](t, rec)
	if issued.ChallengeData.BiometricChallengeJSON == "" {
		t.Fatal("expected biometric challenge descriptor")
	}

	rec = doJSON(t, handler, http.MethodPost, "/hosted/identify/verify", scopedToken, verifyRequest{
		ChallengeToken:    issued.ChallengeData.ChallengeToken,
		ChallengeResponse: `{"rawId":"AQI","id":"AQI","type":"public-key"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("biometric verify returned %d: %s", rec.Code, rec.Body.String())
	}
	if !rp.loginValidated {
		t.Fatal("expected ValidateLogin to be called")
	}
	verified := decodeResponse[verifyResponse](t, rec)
	if verified.AuthToken == "" {
		t.Fatal("expected an auth token")
	}
}
