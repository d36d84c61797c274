package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
)

var (
	// ErrCeremonyDeclined is returned by authenticators when the user
	// refuses the platform prompt.
	ErrCeremonyDeclined = apperrors.New(apperrors.CodeCeremonyDeclined, "user declined the credential prompt")
	// ErrNoAuthenticator is returned when no compatible authenticator is
	// available on the device.
	ErrNoAuthenticator = apperrors.New(apperrors.CodeCeremonyUnavailable, "no compatible authenticator available")
	// ErrCeremonyInProgress is returned when a second ceremony is invoked
	// while one is pending. The platform credential API is not reentrant,
	// so concurrent ceremonies are rejected rather than queued.
	ErrCeremonyInProgress = apperrors.New(apperrors.CodeCeremonyInProgress, "a credential ceremony is already in progress")
)

// AttestationResult is the raw outcome of a platform create() ceremony.
type AttestationResult struct {
	RawID             []byte
	ClientDataJSON    []byte
	AttestationObject []byte
}

// AssertionResult is the raw outcome of a platform get() ceremony.
type AssertionResult struct {
	RawID             []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
}

// Authenticator is the narrow platform boundary for credential ceremonies.
// Implementations wrap the device credential API; tests use a fake.
//
// Implementations signal user refusal with ErrCeremonyDeclined and a missing
// authenticator with ErrNoAuthenticator so callers can decide between
// retrying the same challenge and requesting a brand-new one.
type Authenticator interface {
	Create(ctx context.Context, options protocol.PublicKeyCredentialCreationOptions) (AttestationResult, error)
	Get(ctx context.Context, options protocol.PublicKeyCredentialRequestOptions) (AssertionResult, error)
}

// Adapter converts backend challenge descriptors into platform credential
// ceremonies and serializes results back to the wire format the backend
// expects. It runs exactly one ceremony at a time.
type Adapter struct {
	authenticator Authenticator
	busy          atomic.Bool
}

// NewAdapter builds an adapter over the given platform authenticator.
func NewAdapter(authenticator Authenticator) *Adapter {
	return &Adapter{authenticator: authenticator}
}

// Available reports whether a platform authenticator is wired in.
func (a *Adapter) Available() bool {
	return a != nil && a.authenticator != nil
}

// registrationWire is the exact response shape the backend expects for a
// registration ceremony. Field order matters for golden wire fixtures.
type registrationWire struct {
	RawID    protocol.URLEncodedBase64 `json:"rawId"`
	ID       string                    `json:"id"`
	Type     string                    `json:"type"`
	Response struct {
		ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJSON"`
		AttestationObject protocol.URLEncodedBase64 `json:"attestationObject"`
	} `json:"response"`
}

// assertionWire extends the registration shape with the assertion fields.
type assertionWire struct {
	RawID    protocol.URLEncodedBase64 `json:"rawId"`
	ID       string                    `json:"id"`
	Type     string                    `json:"type"`
	Response struct {
		ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJSON"`
		AuthenticatorData protocol.URLEncodedBase64 `json:"authenticatorData"`
		Signature         protocol.URLEncodedBase64 `json:"signature"`
	} `json:"response"`
}

// CreateRegistrationResponse runs a credential-creation ceremony for the
// given backend descriptor and returns the serialized credential.
func (a *Adapter) CreateRegistrationResponse(ctx context.Context, challengeJSON string) (string, error) {
	if a == nil || a.authenticator == nil {
		return "", ErrNoAuthenticator
	}
	if !a.busy.CompareAndSwap(false, true) {
		return "", ErrCeremonyInProgress
	}
	defer a.busy.Store(false)

	var creation protocol.CredentialCreation
	if err := decodeDescriptor(challengeJSON, &creation); err != nil {
		return "", err
	}
	if len(creation.Response.Challenge) == 0 {
		return "", apperrors.New(apperrors.CodeCeremonyMalformedOptions, "challenge descriptor has no challenge")
	}
	userID, err := decodeUserID(creation.Response.User.ID)
	if err != nil {
		return "", err
	}
	creation.Response.User.ID = userID

	result, err := a.authenticator.Create(ctx, creation.Response)
	if err != nil {
		return "", wrapPlatformError("registration ceremony", err)
	}

	var wire registrationWire
	wire.RawID = result.RawID
	wire.ID = base64.RawURLEncoding.EncodeToString(result.RawID)
	wire.Type = "public-key"
	wire.Response.ClientDataJSON = result.ClientDataJSON
	wire.Response.AttestationObject = result.AttestationObject

	encoded, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode registration response: %w", err)
	}
	return string(encoded), nil
}

// CreateAssertionResponse runs a credential-assertion ceremony for the given
// backend descriptor and returns the serialized credential.
func (a *Adapter) CreateAssertionResponse(ctx context.Context, challengeJSON string) (string, error) {
	if a == nil || a.authenticator == nil {
		return "", ErrNoAuthenticator
	}
	if !a.busy.CompareAndSwap(false, true) {
		return "", ErrCeremonyInProgress
	}
	defer a.busy.Store(false)

	var assertion protocol.CredentialAssertion
	if err := decodeDescriptor(challengeJSON, &assertion); err != nil {
		return "", err
	}
	if len(assertion.Response.Challenge) == 0 {
		return "", apperrors.New(apperrors.CodeCeremonyMalformedOptions, "challenge descriptor has no challenge")
	}

	result, err := a.authenticator.Get(ctx, assertion.Response)
	if err != nil {
		return "", wrapPlatformError("assertion ceremony", err)
	}

	var wire assertionWire
	wire.RawID = result.RawID
	wire.ID = base64.RawURLEncoding.EncodeToString(result.RawID)
	wire.Type = "public-key"
	wire.Response.ClientDataJSON = result.ClientDataJSON
	wire.Response.AuthenticatorData = result.AuthenticatorData
	wire.Response.Signature = result.Signature

	encoded, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode assertion response: %w", err)
	}
	return string(encoded), nil
}

func decodeDescriptor(challengeJSON string, target any) error {
	trimmed := strings.TrimSpace(challengeJSON)
	if trimmed == "" {
		return apperrors.New(apperrors.CodeCeremonyMalformedOptions, "challenge descriptor is empty")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err != nil {
		return apperrors.Wrap(apperrors.CodeCeremonyMalformedOptions, "decode challenge descriptor", err)
	}
	return nil
}

// decodeUserID converts the base64url user.id field into binary. The wire
// descriptor carries it as a string; the platform ceremony needs bytes.
func decodeUserID(raw any) ([]byte, error) {
	switch value := raw.(type) {
	case nil:
		return nil, apperrors.New(apperrors.CodeCeremonyMalformedOptions, "challenge descriptor has no user id")
	case []byte:
		return value, nil
	case string:
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeCeremonyMalformedOptions, "decode user id", err)
		}
		return decoded, nil
	default:
		return nil, apperrors.New(apperrors.CodeCeremonyMalformedOptions, "challenge descriptor user id has unexpected type")
	}
}

func wrapPlatformError(operation string, err error) error {
	if apperrors.GetCode(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(apperrors.CodeCeremonyUnavailable, operation+" failed", err)
}
