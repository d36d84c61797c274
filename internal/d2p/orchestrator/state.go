package orchestrator

import "github.com/substrate-id/d2p/internal/d2p/status"

// State is the canonical orchestration state of a handoff session.
type State string

const (
	// StateInit is the starting state before context is confirmed.
	StateInit State = "init"
	// StateAwaitingChallenge means the responder is performing an SMS or
	// biometric challenge.
	StateAwaitingChallenge State = "awaiting_challenge"
	// StateQRLinkSent means the initiator rendered its QR/link and is
	// waiting for the responder to open it.
	StateQRLinkSent State = "qr_or_link_sent"
	// StateOpened means the responder signaled in_progress but has not
	// finished.
	StateOpened State = "opened"
	// StateRetrying means a requirement failed once and a fallback is on
	// offer (for example switching from biometric to SMS).
	StateRetrying State = "retrying"
	// StateCompleted is the terminal success state.
	StateCompleted State = "completed"
	// StateCanceled is the terminal user-initiated abort state.
	StateCanceled State = "canceled"
	// StateExpired is the terminal state for an exhausted status channel.
	StateExpired State = "expired"
	// StateFailed is the terminal non-user-initiated failure state.
	StateFailed State = "failed"
	// StateError is the terminal state for unrecoverable local errors,
	// such as missing required context.
	StateError State = "error"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateExpired, StateFailed, StateError:
		return true
	default:
		return false
	}
}

// EventKind discriminates orchestrator events.
type EventKind string

const (
	// EventContextReady fires once the scoped token and device context are
	// confirmed available.
	EventContextReady EventKind = "context_ready"
	// EventContextMissing fires when required context cannot be obtained.
	EventContextMissing EventKind = "context_missing"
	// EventStatus carries one status channel observation.
	EventStatus EventKind = "status"
	// EventChannelExhausted fires when the status channel gives up.
	EventChannelExhausted EventKind = "channel_exhausted"
	// EventChallengeVerified fires when a challenge response verified and
	// a validated token was negotiated.
	EventChallengeVerified EventKind = "challenge_verified"
	// EventChallengeFailed fires when response generation or verification
	// failed past its retry budget.
	EventChallengeFailed EventKind = "challenge_failed"
	// EventSkipped fires when the responder opted out of a requirement.
	EventSkipped EventKind = "skipped"
	// EventUserCancel is the only event not derived from the status
	// channel or the challenge flow: an explicit user abort.
	EventUserCancel EventKind = "user_cancel"
)

// Event is a single input to the state machine. Events are serialized
// through one loop, so transitions are applied strictly in delivery order.
type Event struct {
	Kind EventKind

	// Poll is set for EventStatus.
	Poll status.Poll

	// AuthToken is set for EventChallengeVerified.
	AuthToken string

	// Err is set for EventContextMissing, EventChannelExhausted, and
	// EventChallengeFailed.
	Err error
}
