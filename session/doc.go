// Package session owns the canonical authenticated-session record for the
// Atrium SDK and the state machine that mutates it.
//
// A Manager holds a single Descriptor (primary authentication plus the
// acting account currently in focus), validates inbound session proposals,
// persists accepted state through a pluggable Store, and resolves the acting
// account's metadata (details, entitlements) asynchronously. Consumers that
// need resolved metadata block on the resolution gate and are never shown
// stale data mid-transition.
//
// Relay transport integration is intentionally out of scope here; the
// detect package wires the two together.
package session
