// Package detect discovers an existing session from the environment.
//
// Discovery walks a fixed priority order: an already-active manager wins,
// then the cross-application relay, then an ambient-credential probe
// against the identity backend. Detection is best-effort: it reports a
// boolean outcome and never surfaces transport errors to callers, and
// concurrent calls are coalesced into a single pass.
package detect
