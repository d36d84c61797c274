// Package orchestrator owns the canonical handoff state machine.
//
// One machine serves every integration surface; the transition table is the
// single source of truth for how status observations, challenge outcomes,
// and user actions move a handoff toward its terminal state. Lower layers
// report facts; only this package decides whether a fact ends the flow.
package orchestrator
