// Package status polls the backend-held D2P status value that synchronizes
// the two sides of a handoff. There is no push channel between devices; the
// backend status record, observed via polling, is the only synchronization
// primitive, so readers must tolerate skew of up to one poll interval.
package status
