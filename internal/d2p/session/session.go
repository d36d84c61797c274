package session

import (
	"errors"
	"strings"
)

// Role identifies which side of the handoff this process instance plays.
type Role int

const (
	// RoleUnspecified represents an invalid role value.
	RoleUnspecified Role = iota
	// RoleInitiator is the device that started the flow and waits for the
	// responder via the status channel.
	RoleInitiator
	// RoleResponder is the device completing the flow by running identity
	// challenges.
	RoleResponder
)

// String renders the role for logs and telemetry.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unspecified"
	}
}

// Platform describes the coarse device class.
type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformTablet  Platform = "tablet"
	PlatformDesktop Platform = "desktop"
)

// DeviceCapabilities holds device facts read once at session start.
type DeviceCapabilities struct {
	Platform         Platform
	SupportsWebAuthn bool
	OSName           string
	Browser          string
}

var (
	// ErrInvalidRole indicates a missing or invalid handoff role.
	ErrInvalidRole = errors.New("handoff role is required")
	// ErrMissingToken indicates the scoped auth token was not provided.
	ErrMissingToken = errors.New("scoped auth token is required")
)

// Session holds the shared read-only context for one handoff attempt.
//
// Exactly one Session exists per handoff; it is never reset or reused after
// the orchestrator reaches a terminal state. Mutation flows exclusively
// through orchestrator events, so collaborators only ever read from it.
type Session struct {
	role         Role
	scopedToken  string
	tenantKey    string
	capabilities DeviceCapabilities
}

// New validates the context and builds an immutable session.
func New(role Role, scopedToken, tenantKey string, capabilities DeviceCapabilities) (*Session, error) {
	if role != RoleInitiator && role != RoleResponder {
		return nil, ErrInvalidRole
	}
	scopedToken = strings.TrimSpace(scopedToken)
	if scopedToken == "" {
		return nil, ErrMissingToken
	}
	return &Session{
		role:         role,
		scopedToken:  scopedToken,
		tenantKey:    strings.TrimSpace(tenantKey),
		capabilities: capabilities,
	}, nil
}

// Role returns which side of the handoff this session plays.
func (s *Session) Role() Role {
	if s == nil {
		return RoleUnspecified
	}
	return s.role
}

// ScopedToken returns the bearer credential scoped to this handoff.
func (s *Session) ScopedToken() string {
	if s == nil {
		return ""
	}
	return s.scopedToken
}

// TenantKey returns the optional public key identifying the calling
// organization.
func (s *Session) TenantKey() string {
	if s == nil {
		return ""
	}
	return s.tenantKey
}

// Capabilities returns the device facts captured at session start.
func (s *Session) Capabilities() DeviceCapabilities {
	if s == nil {
		return DeviceCapabilities{}
	}
	return s.capabilities
}
