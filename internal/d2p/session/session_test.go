package session

import (
	"errors"
	"testing"
)

func TestNewRequiresRole(t *testing.T) {
	_, err := New(RoleUnspecified, "tok", "", DeviceCapabilities{})
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidRole)
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(RoleInitiator, "   ", "", DeviceCapabilities{})
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want %v", err, ErrMissingToken)
	}
}

func TestNewTrimsFields(t *testing.T) {
	sess, err := New(RoleResponder, " tok ", " tenant ", DeviceCapabilities{
		Platform:         PlatformMobile,
		SupportsWebAuthn: true,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.ScopedToken() != "tok" {
		t.Fatalf("ScopedToken = %q, want %q", sess.ScopedToken(), "tok")
	}
	if sess.TenantKey() != "tenant" {
		t.Fatalf("TenantKey = %q, want %q", sess.TenantKey(), "tenant")
	}
	if sess.Role() != RoleResponder {
		t.Fatalf("Role = %v, want %v", sess.Role(), RoleResponder)
	}
	if !sess.Capabilities().SupportsWebAuthn {
		t.Fatal("expected webauthn capability to be retained")
	}
}

func TestNilSessionAccessorsAreSafe(t *testing.T) {
	var sess *Session
	if sess.Role() != RoleUnspecified {
		t.Fatalf("Role = %v, want %v", sess.Role(), RoleUnspecified)
	}
	if sess.ScopedToken() != "" {
		t.Fatal("expected empty token")
	}
}

func TestRoleString(t *testing.T) {
	cases := []struct {
		role Role
		want string
	}{
		{RoleInitiator, "initiator"},
		{RoleResponder, "responder"},
		{RoleUnspecified, "unspecified"},
	}
	for _, tc := range cases {
		if got := tc.role.String(); got != tc.want {
			t.Fatalf("String(%d) = %q, want %q", tc.role, got, tc.want)
		}
	}
}
