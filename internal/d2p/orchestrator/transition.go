package orchestrator

import (
	"github.com/substrate-id/d2p/internal/d2p/session"
	"github.com/substrate-id/d2p/internal/d2p/status"
)

// effect is a side effect requested by a transition. Effects are executed by
// the machine loop after the state has changed, never by the transition
// function itself, which stays pure and table-testable.
type effect int

const (
	effectStartChannel effect = iota
	effectStopChannel
	effectBeginChallenge
	effectReportCanceled
	effectReportCompleted
	effectNotifyTerminal
)

// transition computes the next state and requested effects for one event.
// Events that do not apply in the current state are ignored: the state is
// returned unchanged with no effects.
func transition(current State, role session.Role, ev Event) (State, []effect) {
	if current.Terminal() {
		return current, nil
	}

	// A user cancel is accepted from every non-terminal state.
	if ev.Kind == EventUserCancel {
		return StateCanceled, []effect{effectStopChannel, effectReportCanceled, effectNotifyTerminal}
	}

	// An exhausted channel expires the handoff from every non-terminal
	// state; no new challenge attempt may start afterwards.
	if ev.Kind == EventChannelExhausted {
		return StateExpired, []effect{effectStopChannel, effectNotifyTerminal}
	}

	switch current {
	case StateInit:
		switch ev.Kind {
		case EventContextReady:
			if role == session.RoleResponder {
				return StateAwaitingChallenge, []effect{effectBeginChallenge}
			}
			return StateQRLinkSent, []effect{effectStartChannel}
		case EventContextMissing:
			return StateError, []effect{effectNotifyTerminal}
		}

	case StateQRLinkSent:
		if ev.Kind == EventStatus {
			switch ev.Poll.Status {
			case status.StatusPending:
				// No responder yet; keep waiting.
				return current, nil
			case status.StatusInProgress:
				return StateOpened, nil
			case status.StatusCompleted:
				// The responder finished inside one poll interval and
				// in_progress was never separately observed.
				return StateCompleted, []effect{effectStopChannel, effectNotifyTerminal}
			case status.StatusCanceled:
				return StateCanceled, []effect{effectStopChannel, effectNotifyTerminal}
			case status.StatusFailed:
				return StateFailed, []effect{effectStopChannel, effectNotifyTerminal}
			}
		}

	case StateOpened:
		if ev.Kind == EventStatus {
			switch ev.Poll.Status {
			case status.StatusInProgress:
				// Already opened; repeated in_progress is a no-op.
				return StateOpened, nil
			case status.StatusCompleted:
				return StateCompleted, []effect{effectStopChannel, effectNotifyTerminal}
			case status.StatusCanceled:
				return StateCanceled, []effect{effectStopChannel, effectNotifyTerminal}
			case status.StatusFailed:
				return StateFailed, []effect{effectStopChannel, effectNotifyTerminal}
			}
		}

	case StateAwaitingChallenge:
		switch ev.Kind {
		case EventChallengeVerified:
			return StateCompleted, []effect{effectReportCompleted, effectNotifyTerminal}
		case EventChallengeFailed:
			return StateRetrying, nil
		}

	case StateRetrying:
		switch ev.Kind {
		case EventChallengeVerified:
			return StateCompleted, []effect{effectReportCompleted, effectNotifyTerminal}
		case EventSkipped:
			return StateCompleted, []effect{effectReportCompleted, effectNotifyTerminal}
		case EventChallengeFailed:
			// Still retrying; the fallback offer stands.
			return StateRetrying, nil
		}
	}

	return current, nil
}
