// Package d2p is the public surface of the desktop-to-phone handoff flow.
//
// A handoff moves an identity verification that started on one device
// (usually a desktop, the initiator) onto another (usually a phone, the
// responder). The initiator shows a QR code or link and polls the hosted
// backend for the responder's progress; the responder proves possession of
// the identity with a biometric or SMS challenge and reports back through
// the same backend.
//
// Start wires one session's collaborators together and returns a Handle.
// The Handle is spent once a terminal state is reached; a new attempt needs
// a new session and a new Handle.
package d2p
