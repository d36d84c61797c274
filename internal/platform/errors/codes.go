package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors
	CodeChallengeIdentifierMismatch Code = "CHALLENGE_IDENTIFIER_MISMATCH"
	CodeChallengeTokenRequired      Code = "CHALLENGE_TOKEN_REQUIRED"
	CodeChallengeRateLimited        Code = "CHALLENGE_RATE_LIMITED"
	CodeChallengeTokenConsumed      Code = "CHALLENGE_TOKEN_CONSUMED"
	CodeChallengeExpired            Code = "CHALLENGE_EXPIRED"
	CodeChallengeExhausted          Code = "CHALLENGE_EXHAUSTED"
	CodeChallengeCodeInvalid        Code = "CHALLENGE_CODE_INVALID"
	CodeChallengeTransport          Code = "CHALLENGE_TRANSPORT"

	// Credential ceremony errors
	CodeCeremonyDeclined         Code = "CEREMONY_DECLINED"
	CodeCeremonyInProgress       Code = "CEREMONY_IN_PROGRESS"
	CodeCeremonyUnavailable      Code = "CEREMONY_UNAVAILABLE"
	CodeCeremonyMalformedOptions Code = "CEREMONY_MALFORMED_OPTIONS"

	// Handoff errors
	CodeHandoffContextMissing Code = "HANDOFF_CONTEXT_MISSING"
	CodeHandoffTerminal       Code = "HANDOFF_TERMINAL"
	CodeHandoffStatusInvalid  Code = "HANDOFF_STATUS_INVALID"
	CodeHandoffExhausted      Code = "HANDOFF_EXHAUSTED"

	// Scoped token errors
	CodeTokenInvalid         Code = "TOKEN_INVALID"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeTokenPurposeMismatch Code = "TOKEN_PURPOSE_MISMATCH"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes for the hosted surface.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeChallengeIdentifierMismatch,
		CodeChallengeTokenRequired,
		CodeChallengeCodeInvalid,
		CodeCeremonyMalformedOptions,
		CodeHandoffStatusInvalid:
		return http.StatusBadRequest

	// Unauthorized - scoped token problems
	case CodeTokenInvalid,
		CodeTokenExpired,
		CodeTokenPurposeMismatch:
		return http.StatusUnauthorized

	case CodeChallengeRateLimited:
		return http.StatusTooManyRequests

	// Conflict - state disallows the operation
	case CodeChallengeTokenConsumed,
		CodeChallengeExpired,
		CodeChallengeExhausted,
		CodeCeremonyUnavailable,
		CodeHandoffTerminal:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
