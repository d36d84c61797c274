// Package challenge is the transport for short-lived identity challenges.
//
// It requests and verifies SMS and biometric challenges against the hosted
// backend, owns challenge tokens and retry cooldown timing, and reports
// failures to the caller without retrying on its own. Biometric ceremonies
// are delegated to the credential package so this layer stays
// platform-agnostic and testable without a browser or device.
package challenge
