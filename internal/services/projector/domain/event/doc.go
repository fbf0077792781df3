// Package event defines the domain event envelope that projection tiers
// consume from the shared log.
//
// Events are immutable facts. A projection never mutates or deletes them; the
// only trace a successful apply leaves is an advanced cursor. The Header
// carries the log-assigned coordinates (stream, version, global position) that
// cursors are built from.
package event
