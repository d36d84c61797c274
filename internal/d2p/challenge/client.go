package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/timeouts"
)

const (
	loginChallengePath = "/hosted/identify/login_challenge"
	verifyPath         = "/hosted/identify/verify"
	biometricInitPath  = "/hosted/user/biometric/init"
	biometricPath      = "/hosted/user/biometric"
	skipLivenessPath   = "/hosted/onboarding/skip_liveness"

	tenantKeyHeader = "X-Tenant-Key"
)

// Client issues and verifies identity challenges against the hosted surface.
//
// The client reports transport failures to the caller immediately and never
// retries on its own; retry policy belongs to the orchestration layer. The
// only local policy it enforces is the server-provided retry cooldown, which
// rejects a premature re-request without a network call.
type Client struct {
	baseURL    string
	tenantKey  string
	httpClient *http.Client
	clock      func() time.Time
	tracer     trace.Tracer

	mu          sync.Mutex
	retryAfter  map[Kind]time.Time
	retryBudget int
}

// NewClient builds a challenge client bound to the hosted base URL.
func NewClient(baseURL, tenantKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.HTTPRequest}
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tenantKey:   strings.TrimSpace(tenantKey),
		httpClient:  httpClient,
		clock:       time.Now,
		tracer:      otel.Tracer("d2p/challenge"),
		retryAfter:  make(map[Kind]time.Time),
		retryBudget: DefaultRetryBudget,
	}
}

// challengeDataWire mirrors the hosted login_challenge response JSON.
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

type verifyResponse struct {
	AuthToken string `json:"authToken"`
}

type biometricInitResponse struct {
	ChallengeToken string `json:"challengeToken"`
	ChallengeJSON  string `json:"challengeJson"`
}

// RequestChallenge asks the backend for a new challenge of the given kind.
//
// The identifier must match the kind (phone number for SMS, empty for
// biometric). Requests made before the previous attempt's RetryDisabledUntil
// are rejected locally with CodeChallengeRateLimited and no network call.
func (c *Client) RequestChallenge(ctx context.Context, kind Kind, identifier, authToken string) (Attempt, error) {
	if strings.TrimSpace(authToken) == "" {
		return Attempt{}, apperrors.New(apperrors.CodeTokenInvalid, "auth token is required")
	}
	if !ValidIdentifier(kind, identifier) {
		return Attempt{}, apperrors.WithMetadata(
			apperrors.CodeChallengeIdentifierMismatch,
			"identifier does not match challenge kind",
			map[string]string{"kind": string(kind)},
		)
	}

	now := c.clock()
	c.mu.Lock()
	if until, ok := c.retryAfter[kind]; ok && now.Before(until) {
		c.mu.Unlock()
		return Attempt{}, apperrors.WithMetadata(
			apperrors.CodeChallengeRateLimited,
			"challenge requested before retry cooldown elapsed",
			map[string]string{"retry_at": until.UTC().Format(time.RFC3339)},
		)
	}
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "challenge.request",
		trace.WithAttributes(attribute.String("challenge.kind", string(kind))))
	defer span.End()

	payload := map[string]string{
		"challengeKind": string(kind),
	}
	if kind == KindSMS {
		payload["identifier"] = strings.TrimSpace(identifier)
	}

	var decoded loginChallengeResponse
	if err := c.post(ctx, loginChallengePath, authToken, payload, &decoded); err != nil {
		return Attempt{}, err
	}
	data := decoded.ChallengeData
	if strings.TrimSpace(data.ChallengeToken) == "" {
		return Attempt{}, apperrors.New(apperrors.CodeChallengeTokenRequired, "backend returned no challenge token")
	}

	retryAt := now.Add(time.Duration(data.TimeBeforeRetryS) * time.Second)
	c.mu.Lock()
	c.retryAfter[kind] = retryAt
	c.mu.Unlock()

	return Attempt{
		Kind:                   kind,
		Token:                  data.ChallengeToken,
		ChallengeID:            data.ChallengeID,
		BiometricChallengeJSON: data.BiometricChallengeJSON,
		RetriesRemaining:       c.retryBudget,
		RetryDisabledUntil:     retryAt,
	}, nil
}

// VerifyChallenge submits a challenge response and returns the new auth
// token negotiated for the rest of the flow.
//
// The response is either a six-digit code (SMS) or a serialized public-key
// assertion (biometric). A challenge token is consumed at most once by the
// backend; replaying one surfaces CodeChallengeTokenConsumed so callers can
// distinguish it from a generic failure.
func (c *Client) VerifyChallenge(ctx context.Context, challengeToken, response, authToken string) (string, error) {
	if strings.TrimSpace(authToken) == "" {
		return "", apperrors.New(apperrors.CodeTokenInvalid, "auth token is required")
	}
	if strings.TrimSpace(challengeToken) == "" {
		return "", apperrors.New(apperrors.CodeChallengeTokenRequired, "challenge token is required")
	}

	ctx, span := c.tracer.Start(ctx, "challenge.verify")
	defer span.End()

	payload := map[string]string{
		"challengeToken":    challengeToken,
		"challengeResponse": response,
	}
	var decoded verifyResponse
	if err := c.post(ctx, verifyPath, authToken, payload, &decoded); err != nil {
		return "", err
	}
	if strings.TrimSpace(decoded.AuthToken) == "" {
		return "", apperrors.New(apperrors.CodeUnknown, "backend returned no auth token")
	}
	return decoded.AuthToken, nil
}

// BiometricInit begins the two-step biometric registration and returns the
// server-issued ceremony descriptor. No platform API is touched here; the
// credential adapter owns the ceremony itself.
func (c *Client) BiometricInit(ctx context.Context, authToken string) (Attempt, error) {
	if strings.TrimSpace(authToken) == "" {
		return Attempt{}, apperrors.New(apperrors.CodeTokenInvalid, "auth token is required")
	}

	ctx, span := c.tracer.Start(ctx, "challenge.biometric_init")
	defer span.End()

	var decoded biometricInitResponse
	if err := c.post(ctx, biometricInitPath, authToken, map[string]string{}, &decoded); err != nil {
		return Attempt{}, err
	}
	if strings.TrimSpace(decoded.ChallengeToken) == "" {
		return Attempt{}, apperrors.New(apperrors.CodeChallengeTokenRequired, "backend returned no challenge token")
	}
	return Attempt{
		Kind:                   KindBiometric,
		Token:                  decoded.ChallengeToken,
		BiometricChallengeJSON: decoded.ChallengeJSON,
		RetriesRemaining:       c.retryBudget,
	}, nil
}

// BiometricRegister completes biometric registration with the serialized
// attestation produced by the credential adapter.
func (c *Client) BiometricRegister(ctx context.Context, challengeToken, deviceResponseJSON, authToken string) error {
	if strings.TrimSpace(challengeToken) == "" {
		return apperrors.New(apperrors.CodeChallengeTokenRequired, "challenge token is required")
	}

	ctx, span := c.tracer.Start(ctx, "challenge.biometric_register")
	defer span.End()

	payload := map[string]string{
		"challengeToken":     challengeToken,
		"deviceResponseJson": deviceResponseJSON,
	}
	return c.post(ctx, biometricPath, authToken, payload, nil)
}

// SkipLiveness records that the responder opted out of a biometric
// requirement.
func (c *Client) SkipLiveness(ctx context.Context, authToken string) error {
	ctx, span := c.tracer.Start(ctx, "challenge.skip_liveness")
	defer span.End()

	return c.post(ctx, skipLivenessPath, authToken, map[string]string{}, nil)
}

// errorWire mirrors the hosted error response JSON.
type errorWire struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (c *Client) post(ctx context.Context, path, authToken string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+authToken)
	if c.tenantKey != "" {
		req.Header.Set(tenantKeyHeader, c.tenantKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeChallengeTransport, "challenge request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeChallengeTransport, "decode challenge response", err)
	}
	return nil
}

func decodeErrorResponse(resp *http.Response) error {
	var wire errorWire
	_ = json.NewDecoder(resp.Body).Decode(&wire)

	code := apperrors.Code(strings.TrimSpace(wire.Code))
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	message := strings.TrimSpace(wire.Error)
	if message == "" {
		message = fmt.Sprintf("backend returned %s", resp.Status)
	}
	return apperrors.New(code, message)
}

// codeForStatus is the fallback mapping used when the error body carries no
// code of its own.
func codeForStatus(status int) apperrors.Code {
	switch status {
	case http.StatusBadRequest:
		return apperrors.CodeChallengeIdentifierMismatch
	case http.StatusUnauthorized:
		return apperrors.CodeTokenInvalid
	case http.StatusTooManyRequests:
		return apperrors.CodeChallengeRateLimited
	case http.StatusConflict:
		return apperrors.CodeChallengeTokenConsumed
	case http.StatusNotFound:
		return apperrors.CodeNotFound
	default:
		return apperrors.CodeChallengeTransport
	}
}
