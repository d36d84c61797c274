// Package timeouts defines shared timeout constants used across the handoff
// core and the hosted surface. Centralizing these values prevents drift
// between the two sides of a handoff and makes the durations discoverable.
package timeouts

import "time"

// HTTPRequest caps a single request from the client core to the hosted
// backend (challenge issue/verify, status report).
const HTTPRequest = 10 * time.Second

// StatusPoll caps one poll of the D2P status endpoint. Shorter than
// HTTPRequest so a slow poll cannot overlap the next tick.
const StatusPoll = 900 * time.Millisecond

// ReadHeader limits how long the hosted HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the hosted HTTP server waits for in-flight
// requests during graceful shutdown.
const Shutdown = 5 * time.Second
