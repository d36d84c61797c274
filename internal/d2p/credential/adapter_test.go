package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
)

const registrationFixture = `{
  "publicKey": {
    "rp": {"name": "Substrate", "id": "localhost"},
    "user": {"name": "user-1", "displayName": "User One", "id": "dXNlci0x"},
    "challenge": "Y2hhbGxlbmdlLWJ5dGVz",
    "pubKeyCredParams": [{"type": "public-key", "alg": -7}]
  }
}`

const assertionFixture = `{
  "publicKey": {
    "challenge": "Y2hhbGxlbmdlLWJ5dGVz",
    "rpId": "localhost",
    "allowCredentials": [{"type": "public-key", "id": "Y3JlZC1pZA"}]
  }
}`

type fakeAuthenticator struct {
	createErr error
	getErr    error

	gotCreation  protocol.PublicKeyCredentialCreationOptions
	gotAssertion protocol.PublicKeyCredentialRequestOptions

	block chan struct{}
}

func (f *fakeAuthenticator) Create(_ context.Context, options protocol.PublicKeyCredentialCreationOptions) (AttestationResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.gotCreation = options
	if f.createErr != nil {
		return AttestationResult{}, f.createErr
	}
	return AttestationResult{
		RawID:             []byte("raw-credential-id"),
		ClientDataJSON:    []byte(`{"type":"webauthn.create"}`),
		AttestationObject: []byte("attestation-bytes"),
	}, nil
}

func (f *fakeAuthenticator) Get(_ context.Context, options protocol.PublicKeyCredentialRequestOptions) (AssertionResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.gotAssertion = options
	if f.getErr != nil {
		return AssertionResult{}, f.getErr
	}
	return AssertionResult{
		RawID:             []byte("raw-credential-id"),
		ClientDataJSON:    []byte(`{"type":"webauthn.get"}`),
		AuthenticatorData: []byte("auth-data"),
		Signature:         []byte("sig-bytes"),
	}, nil
}

func b64(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

func TestCreateRegistrationResponseGolden(t *testing.T) {
	fake := &fakeAuthenticator{}
	adapter := NewAdapter(fake)

	got, err := adapter.CreateRegistrationResponse(context.Background(), registrationFixture)
	if err != nil {
		t.Fatalf("create registration response: %v", err)
	}

	want := fmt.Sprintf(
		`{"rawId":%q,"id":%q,"type":"public-key","response":{"clientDataJSON":%q,"attestationObject":%q}}`,
		b64("raw-credential-id"),
		b64("raw-credential-id"),
		b64(`{"type":"webauthn.create"}`),
		b64("attestation-bytes"),
	)
	if got != want {
		t.Fatalf("wire mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCreateRegistrationResponseDecodesChallengeAndUserID(t *testing.T) {
	fake := &fakeAuthenticator{}
	adapter := NewAdapter(fake)

	if _, err := adapter.CreateRegistrationResponse(context.Background(), registrationFixture); err != nil {
		t.Fatalf("create registration response: %v", err)
	}
	if string(fake.gotCreation.Challenge) != "challenge-bytes" {
		t.Fatalf("challenge = %q, want %q", fake.gotCreation.Challenge, "challenge-bytes")
	}
	userID, ok := fake.gotCreation.User.ID.([]byte)
	if !ok {
		t.Fatalf("user id type = %T, want []byte", fake.gotCreation.User.ID)
	}
	if string(userID) != "user-1" {
		t.Fatalf("user id = %q, want %q", userID, "user-1")
	}
}

func TestCreateAssertionResponseShape(t *testing.T) {
	fake := &fakeAuthenticator{}
	adapter := NewAdapter(fake)

	got, err := adapter.CreateAssertionResponse(context.Background(), assertionFixture)
	if err != nil {
		t.Fatalf("create assertion response: %v", err)
	}

	want := fmt.Sprintf(
		`{"rawId":%q,"id":%q,"type":"public-key","response":{"clientDataJSON":%q,"authenticatorData":%q,"signature":%q}}`,
		b64("raw-credential-id"),
		b64("raw-credential-id"),
		b64(`{"type":"webauthn.get"}`),
		b64("auth-data"),
		b64("sig-bytes"),
	)
	if got != want {
		t.Fatalf("wire mismatch\n got: %s\nwant: %s", got, want)
	}
	if string(fake.gotAssertion.Challenge) != "challenge-bytes" {
		t.Fatalf("challenge = %q, want %q", fake.gotAssertion.Challenge, "challenge-bytes")
	}
	if len(fake.gotAssertion.AllowedCredentials) != 1 {
		t.Fatalf("allowed credentials = %d, want 1", len(fake.gotAssertion.AllowedCredentials))
	}
}

func TestMalformedDescriptorSurfacesTypedError(t *testing.T) {
	adapter := NewAdapter(&fakeAuthenticator{})

	cases := []string{"", "not-json", `{"publicKey":{}}`}
	for _, fixture := range cases {
		_, err := adapter.CreateRegistrationResponse(context.Background(), fixture)
		if apperrors.GetCode(err) != apperrors.CodeCeremonyMalformedOptions {
			t.Fatalf("fixture %q: code = %v, want %v", fixture, apperrors.GetCode(err), apperrors.CodeCeremonyMalformedOptions)
		}
	}
}

func TestDeclinedCeremonyKeepsItsCode(t *testing.T) {
	adapter := NewAdapter(&fakeAuthenticator{createErr: ErrCeremonyDeclined})

	_, err := adapter.CreateRegistrationResponse(context.Background(), registrationFixture)
	if !errors.Is(err, ErrCeremonyDeclined) {
		t.Fatalf("err = %v, want %v", err, ErrCeremonyDeclined)
	}
}

func TestUnknownPlatformErrorIsWrapped(t *testing.T) {
	cause := errors.New("NotAllowedError")
	adapter := NewAdapter(&fakeAuthenticator{createErr: cause})

	_, err := adapter.CreateRegistrationResponse(context.Background(), registrationFixture)
	if apperrors.GetCode(err) != apperrors.CodeCeremonyUnavailable {
		t.Fatalf("code = %v, want %v", apperrors.GetCode(err), apperrors.CodeCeremonyUnavailable)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestSecondConcurrentCeremonyIsRejected(t *testing.T) {
	fake := &fakeAuthenticator{block: make(chan struct{})}
	adapter := NewAdapter(fake)

	firstDone := make(chan error, 1)
	go func() {
		_, err := adapter.CreateRegistrationResponse(context.Background(), registrationFixture)
		firstDone <- err
	}()

	// Wait for the first ceremony to take the gate.
	deadline := time.After(2 * time.Second)
	for !adapter.busy.Load() {
		select {
		case <-deadline:
			t.Fatal("first ceremony never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	_, err := adapter.CreateAssertionResponse(context.Background(), assertionFixture)
	if !errors.Is(err, ErrCeremonyInProgress) {
		t.Fatalf("err = %v, want %v", err, ErrCeremonyInProgress)
	}

	close(fake.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first ceremony: %v", err)
	}
}
