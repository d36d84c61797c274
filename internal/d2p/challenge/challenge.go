package challenge

import (
	"strings"
	"time"
	"unicode"
)

// Kind identifies the proof-of-possession mechanism for a challenge.
type Kind string

const (
	KindSMS       Kind = "sms"
	KindBiometric Kind = "biometric"
)

// DefaultRetryBudget is the number of automatic retries allowed while
// generating a response for one challenge attempt.
const DefaultRetryBudget = 3

// Attempt is one server-issued challenge instance. Attempts are superseded,
// never mutated, on retry: a new request yields a new Attempt.
type Attempt struct {
	Kind Kind

	// Token identifies this challenge instance at the backend and is
	// required to verify a response. The backend consumes it at most once.
	Token string

	// ChallengeID is set for SMS challenges.
	ChallengeID string

	// BiometricChallengeJSON carries the ceremony descriptor for biometric
	// challenges; the credential adapter turns it into a platform prompt.
	BiometricChallengeJSON string

	// RetriesRemaining is the automatic retry budget left for response
	// generation. When it reaches zero the next failure is surfaced.
	RetriesRemaining int

	// RetryDisabledUntil is the earliest time a new challenge of the same
	// kind may be requested.
	RetryDisabledUntil time.Time
}

// ValidIdentifier reports whether the identifier matches the challenge kind.
// SMS requires a phone number; biometric challenges identify the user through
// the scoped token and take no identifier.
func ValidIdentifier(kind Kind, identifier string) bool {
	identifier = strings.TrimSpace(identifier)
	switch kind {
	case KindSMS:
		return looksLikePhoneNumber(identifier)
	case KindBiometric:
		return identifier == ""
	default:
		return false
	}
}

func looksLikePhoneNumber(value string) bool {
	if value == "" {
		return false
	}
	digits := 0
	for idx, r := range value {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && idx == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}
