package d2p

import (
	"context"
	"errors"
	"log"

	"github.com/substrate-id/d2p/internal/d2p/challenge"
	"github.com/substrate-id/d2p/internal/d2p/credential"
	"github.com/substrate-id/d2p/internal/d2p/orchestrator"
	"github.com/substrate-id/d2p/internal/d2p/status"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/telemetry"
)

// BeginChallenge starts the responder's proof ceremony. Biometric-capable
// devices with an authenticator run the WebAuthn assertion flow with an
// automatic retry budget; everything else falls back to an SMS challenge
// that waits for SubmitSMSCode.
func (h *Handle) BeginChallenge() {
	go h.runChallenge()
}

func (h *Handle) runChallenge() {
	reportC, cancel := reportCtx()
	if err := h.channel.ReportLocalStatus(reportC, status.Report{Status: status.StatusInProgress}); err != nil {
		log.Printf("handoff progress report failed err=%v", err)
	}
	cancel()

	// The ceremony blocks on user interaction, so it runs under the
	// handoff's lifetime context. Individual HTTP calls stay bounded by
	// the challenge client's own request timeout.
	caps := h.sess.Capabilities()
	if caps.SupportsWebAuthn && h.adapter != nil && h.adapter.Available() {
		h.runBiometric(h.ctx)
		return
	}
	h.requestSMS(h.ctx)
}

// runBiometric drives the assertion ceremony, retrying response generation
// until the Attempt's budget runs out. Only then does the failure surface,
// which drops the orchestrator into retrying so the user can choose SMS.
func (h *Handle) runBiometric(ctx context.Context) {
	token := h.sess.ScopedToken()

	attempt, err := h.challenges.RequestChallenge(ctx, challenge.KindBiometric, "", token)
	if err != nil {
		h.emit(ctx, "handoff_challenge_request_failed", telemetry.SeverityWarn, string(challenge.KindBiometric))
		h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeFailed, Err: err})
		return
	}
	h.setAttempt(attempt)

	for {
		responseJSON, err := h.adapter.CreateAssertionResponse(ctx, attempt.BiometricChallengeJSON)
		if err != nil {
			if errors.Is(err, credential.ErrCeremonyDeclined) {
				h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeFailed, Err: err})
				return
			}
			if attempt.RetriesRemaining == 0 {
				h.emit(ctx, "handoff_biometric_exhausted", telemetry.SeverityWarn, "")
				h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeFailed, Err: err})
				return
			}
			attempt.RetriesRemaining--
			h.setAttempt(attempt)
			log.Printf("handoff biometric retry remaining=%d err=%v", attempt.RetriesRemaining, err)
			continue
		}

		authToken, err := h.challenges.VerifyChallenge(ctx, attempt.Token, responseJSON, token)
		if err != nil {
			h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeFailed, Err: err})
			return
		}
		h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeVerified, AuthToken: authToken})
		return
	}
}

// requestSMS issues a fresh SMS challenge for the session's phone number
// and leaves the orchestrator waiting for SubmitSMSCode.
func (h *Handle) requestSMS(ctx context.Context) {
	attempt, err := h.challenges.RequestChallenge(ctx, challenge.KindSMS, h.phone, h.sess.ScopedToken())
	if err != nil {
		h.emit(ctx, "handoff_challenge_request_failed", telemetry.SeverityWarn, string(challenge.KindSMS))
		h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeFailed, Err: err})
		return
	}
	h.setAttempt(attempt)
}

func (h *Handle) setAttempt(attempt challenge.Attempt) {
	h.mu.Lock()
	h.attempt = attempt
	h.hasSMS = attempt.Kind == challenge.KindSMS
	h.mu.Unlock()
}

func (h *Handle) currentAttempt() (challenge.Attempt, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempt, h.attempt.Token != ""
}

// SubmitSMSCode verifies the user-entered code against the outstanding SMS
// challenge. On success the orchestrator advances to completed; the error
// return carries coded failures (wrong code, consumed token, rate limit)
// for the host UI to render.
func (h *Handle) SubmitSMSCode(ctx context.Context, code string) error {
	attempt, ok := h.currentAttempt()
	if !ok || attempt.Kind != challenge.KindSMS {
		return apperrors.New(apperrors.CodeChallengeTokenRequired, "no sms challenge outstanding")
	}

	authToken, err := h.challenges.VerifyChallenge(ctx, attempt.Token, code, h.sess.ScopedToken())
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeChallengeCodeInvalid) {
			h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeFailed, Err: err})
		}
		return err
	}
	h.machine.Send(orchestrator.Event{Kind: orchestrator.EventChallengeVerified, AuthToken: authToken})
	return nil
}

// FallbackToSMS abandons the biometric path and requests an SMS challenge
// for the same session. Callable from retrying after the biometric budget
// ran out, or proactively by the host UI.
func (h *Handle) FallbackToSMS(ctx context.Context) error {
	attempt, err := h.challenges.RequestChallenge(ctx, challenge.KindSMS, h.phone, h.sess.ScopedToken())
	if err != nil {
		return err
	}
	h.setAttempt(attempt)
	return nil
}

// SkipBiometric records that the user declined the biometric ceremony and
// lets the handoff complete without a verified credential.
func (h *Handle) SkipBiometric(ctx context.Context) error {
	if err := h.challenges.SkipLiveness(ctx, h.sess.ScopedToken()); err != nil {
		return err
	}
	h.machine.Send(orchestrator.Event{Kind: orchestrator.EventSkipped})
	return nil
}

// RegisterBiometric enrolls a new platform credential after the handoff
// verified the user. It runs the attestation ceremony against the backend's
// creation options and uploads the packed response.
func (h *Handle) RegisterBiometric(ctx context.Context) error {
	if h.adapter == nil || !h.adapter.Available() {
		return credential.ErrNoAuthenticator
	}
	token := h.sess.ScopedToken()

	attempt, err := h.challenges.BiometricInit(ctx, token)
	if err != nil {
		return err
	}
	responseJSON, err := h.adapter.CreateRegistrationResponse(ctx, attempt.BiometricChallengeJSON)
	if err != nil {
		return err
	}
	return h.challenges.BiometricRegister(ctx, attempt.Token, responseJSON, token)
}
