// Package session holds the immutable per-handoff context: the handoff
// role, the scoped auth token, the optional tenant key, and device
// capability flags read once at session start.
package session
