// Package credential bridges backend challenge descriptors and the
// platform's public-key credential ceremony.
//
// The orchestrator core never imports platform credential types; it talks to
// this package's Authenticator boundary, which keeps the whole flow testable
// with a fake device.
package credential
