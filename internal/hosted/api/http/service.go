// Package http implements the hosted identity surface over HTTP+JSON.
package http

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/substrate-id/d2p/internal/hosted/storage"
	"github.com/substrate-id/d2p/internal/hosted/token"
	"github.com/substrate-id/d2p/internal/platform/config"
)

// Config tunes the hosted surface.
type Config struct {
	RPDisplayName    string        `env:"SUBSTRATE_D2P_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Substrate D2P"`
	RPID             string        `env:"SUBSTRATE_D2P_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins        []string      `env:"SUBSTRATE_D2P_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	SMSRetryCooldown time.Duration `env:"SUBSTRATE_D2P_SMS_RETRY_COOLDOWN"       envDefault:"30s"`
	ChallengeTTL     time.Duration `env:"SUBSTRATE_D2P_CHALLENGE_TTL"            envDefault:"5m"`
}

// LoadConfigFromEnv reads hosted surface configuration with defaults.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse hosted config: %w", err)
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8095"}
	}
	if cfg.SMSRetryCooldown <= 0 {
		cfg.SMSRetryCooldown = 30 * time.Second
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return cfg, nil
}

// credentialProvider is the narrow WebAuthn relying-party boundary. Tests
// fake it; production wires webauthn.New.
type credentialProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// credentialParser parses wire-format credential responses.
type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultCredentialParser struct{}

func (defaultCredentialParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultCredentialParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service serves the hosted identity endpoints.
type Service struct {
	store    storage.Store
	tokens   token.Config
	cfg      Config
	webAuthn credentialProvider
	parser   credentialParser
	clock    func() time.Time
	newCode  func() (string, error)
	tracer   trace.Tracer

	// credentials registered during this process lifetime, keyed by
	// session id. The reference surface keeps them in memory; durable
	// credential storage belongs to a full account system.
	mu          sync.Mutex
	credentials map[string][]webauthn.Credential
}

// NewService builds the hosted surface over the given store and signing
// config.
func NewService(store storage.Store, tokens token.Config, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Service{
		store:       store,
		tokens:      tokens,
		cfg:         cfg,
		webAuthn:    rp,
		parser:      defaultCredentialParser{},
		clock:       time.Now,
		newCode:     newSMSCode,
		tracer:      otel.Tracer("hosted/http"),
		credentials: make(map[string][]webauthn.Credential),
	}, nil
}

// Handler returns the routed HTTP handler for the hosted surface.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hosted/onboarding/d2p", s.handleStartSession)
	mux.HandleFunc("POST /hosted/identify/login_challenge", s.requireSession(s.handleLoginChallenge))
	mux.HandleFunc("POST /hosted/identify/verify", s.requireSession(s.handleVerify))
	mux.HandleFunc("POST /hosted/user/biometric/init", s.requireSession(s.handleBiometricInit))
	mux.HandleFunc("POST /hosted/user/biometric", s.requireSession(s.handleBiometricRegister))
	mux.HandleFunc("POST /hosted/onboarding/skip_liveness", s.requireSession(s.handleSkipLiveness))
	mux.HandleFunc("GET /hosted/onboarding/d2p/status", s.requireSession(s.handleStatusGet))
	mux.HandleFunc("POST /hosted/onboarding/d2p/status", s.requireSession(s.handleStatusReport))
	return mux
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Service) rememberCredential(sessionID string, cred webauthn.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[sessionID] = append(s.credentials[sessionID], cred)
}

func (s *Service) credentialsFor(sessionID string) []webauthn.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webauthn.Credential(nil), s.credentials[sessionID]...)
}

// deviceUser satisfies webauthn.User for one handoff session. The hosted
// surface has no account model; the session id stands in for the user.
type deviceUser struct {
	sessionID   string
	credentials []webauthn.Credential
}

func (u *deviceUser) WebAuthnID() []byte {
	return []byte(u.sessionID)
}

func (u *deviceUser) WebAuthnName() string {
	return u.sessionID
}

func (u *deviceUser) WebAuthnDisplayName() string {
	return "Device " + shortID(u.sessionID)
}

func (u *deviceUser) WebAuthnIcon() string {
	return ""
}

func (u *deviceUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func shortID(value string) string {
	if len(value) <= 8 {
		return value
	}
	return strings.ToLower(value[:8])
}
