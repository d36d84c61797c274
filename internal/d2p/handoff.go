package d2p

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/substrate-id/d2p/internal/d2p/challenge"
	"github.com/substrate-id/d2p/internal/d2p/credential"
	"github.com/substrate-id/d2p/internal/d2p/orchestrator"
	"github.com/substrate-id/d2p/internal/d2p/session"
	"github.com/substrate-id/d2p/internal/d2p/status"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/timeouts"
	"github.com/substrate-id/d2p/internal/telemetry"
)

// Options configures one handoff attempt.
type Options struct {
	// BaseURL is the hosted backend base URL.
	BaseURL string
	// HTTPClient is shared by the challenge transport and status channel.
	// A default client with sane timeouts is used when nil.
	HTTPClient *http.Client
	// Authenticator is the platform credential boundary; required for
	// biometric challenges on the responder side.
	Authenticator credential.Authenticator
	// PhoneNumber is the responder's SMS identifier, used for the initial
	// SMS challenge and for the biometric-to-SMS fallback.
	PhoneNumber string
	// NotifyDelay defers the done callback after a terminal transition.
	// Defaults to orchestrator.DefaultNotifyDelay.
	NotifyDelay time.Duration
	// Poll tunes the status channel; zero values load env defaults.
	Poll status.Config
	// Telemetry receives analytics events; optional.
	Telemetry *telemetry.Emitter
	// OnDone is the single terminating callback. It carries the final
	// state name and, for completed, the negotiated validation token.
	OnDone func(orchestrator.Result)
}

// Handle is the host application's grip on a running handoff. One Handle
// serves one session; after a terminal state the Handle is spent and a new
// handoff requires a new session and a new Handle.
type Handle struct {
	sess       *session.Session
	machine    *orchestrator.Machine
	challenges *challenge.Client
	adapter    *credential.Adapter
	channel    *status.Channel
	emitter    *telemetry.Emitter
	phone      string

	// ctx spans the handoff lifetime. The responder's ceremony blocks on
	// user interaction under it, so Dispose is what unwinds a pending
	// authenticator prompt, not a transport timeout.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempt  challenge.Attempt
	hasSMS   bool
	lastMeta status.Meta
	disposed bool
}

// Start builds the session's collaborators, spins up the state machine, and
// feeds it the initial context event. A missing or empty session moves the
// machine straight to the error state rather than failing the call, so the
// host sees the same terminal contract for every outcome.
func Start(sess *session.Session, opts Options) *Handle {
	if opts.Poll.Interval <= 0 {
		opts.Poll = status.LoadConfigFromEnv()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		sess:    sess,
		emitter: opts.Telemetry,
		phone:   opts.PhoneNumber,
		ctx:     ctx,
		cancel:  cancel,
	}
	if sess != nil && sess.ScopedToken() != "" {
		h.challenges = challenge.NewClient(opts.BaseURL, sess.TenantKey(), opts.HTTPClient)
		h.adapter = credential.NewAdapter(opts.Authenticator)
		h.channel = status.NewChannel(opts.BaseURL, sess.ScopedToken(), opts.HTTPClient, opts.Poll)
	}

	h.machine = orchestrator.New(
		sess.Role(),
		h,
		orchestrator.Config{NotifyDelay: opts.NotifyDelay},
		opts.OnDone,
	)

	if sess == nil || sess.ScopedToken() == "" {
		h.machine.Send(orchestrator.Event{
			Kind: orchestrator.EventContextMissing,
			Err:  apperrors.New(apperrors.CodeHandoffContextMissing, "handoff context is missing a scoped token"),
		})
		return h
	}
	h.machine.Send(orchestrator.Event{Kind: orchestrator.EventContextReady})
	return h
}

// State returns the current orchestration state.
func (h *Handle) State() orchestrator.State {
	return h.machine.State()
}

// Subscribe registers a state-change callback.
func (h *Handle) Subscribe(fn func(orchestrator.State)) {
	h.machine.Subscribe(fn)
}

// Cancel aborts the handoff. It is the only orchestrator input not derived
// from the status channel or the challenge flow.
func (h *Handle) Cancel() {
	h.machine.Send(orchestrator.Event{Kind: orchestrator.EventUserCancel})
}

// Dispose tears the handoff down. Safe to call from any state, including
// after a terminal result was delivered.
func (h *Handle) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	h.mu.Unlock()
	h.cancel()
	h.machine.Dispose()
}

// reportCtx bounds fire-and-forget status reports.
func reportCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeouts.HTTPRequest)
}

// StartStatusChannel begins polling for the initiator side.
func (h *Handle) StartStatusChannel() {
	if h.channel == nil {
		return
	}
	err := h.channel.Start(
		func(poll status.Poll) {
			h.recordMeta(poll.Meta)
			h.machine.Send(orchestrator.Event{Kind: orchestrator.EventStatus, Poll: poll})
		},
		func(err error) {
			h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChannelExhausted, Err: err})
		},
	)
	if err != nil {
		log.Printf("handoff status channel start failed err=%v", err)
		h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChannelExhausted, Err: err})
	}
}

// StopStatusChannel halts polling.
func (h *Handle) StopStatusChannel() {
	if h.channel != nil {
		h.channel.Stop()
	}
}

// ReportCanceled publishes the local cancel so the peer observes it within
// one poll interval.
func (h *Handle) ReportCanceled() {
	if h.channel == nil {
		return
	}
	ctx, cancel := reportCtx()
	defer cancel()
	if err := h.channel.ReportLocalStatus(ctx, status.Report{Status: status.StatusCanceled}); err != nil {
		log.Printf("handoff cancel report failed err=%v", err)
	}
	h.emit(ctx, "handoff_canceled", telemetry.SeverityInfo, "")
}

// ReportCompleted publishes local completion and relays the validated token
// through the backend to the initiator.
func (h *Handle) ReportCompleted(validationToken string) {
	if h.channel == nil {
		return
	}
	ctx, cancel := reportCtx()
	defer cancel()
	report := status.Report{Status: status.StatusCompleted, ValidationToken: validationToken}
	if err := h.channel.ReportLocalStatus(ctx, report); err != nil {
		log.Printf("handoff completion report failed err=%v", err)
	}
	h.emit(ctx, "handoff_completed", telemetry.SeverityInfo, "")
}

func (h *Handle) recordMeta(meta status.Meta) {
	if meta == (status.Meta{}) {
		return
	}
	h.mu.Lock()
	h.lastMeta = meta
	h.mu.Unlock()
}

func (h *Handle) emit(ctx context.Context, name string, severity telemetry.Severity, detail string) {
	if h.emitter == nil {
		return
	}
	h.mu.Lock()
	meta := h.lastMeta
	h.mu.Unlock()
	_ = h.emitter.Emit(ctx, telemetry.Event{
		Name:      name,
		Severity:  severity,
		Opener:    meta.Opener,
		SessionID: meta.SessionID,
		Detail:    detail,
	})
}
