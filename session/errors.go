package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProposal is returned when a session proposal fails shape
	// validation. The current session state is left untouched.
	ErrInvalidProposal = errors.New("invalid session proposal")

	// ErrTokenExpired is returned when a proposal's token expiration is not
	// strictly in the future.
	ErrTokenExpired = errors.New("session token expired")

	// ErrNotAuthenticated is returned by operations that require an active
	// session, such as switching the acting account.
	ErrNotAuthenticated = errors.New("no active session")

	// ErrResolutionFailed wraps metadata-resolution failures surfaced to
	// consumers awaiting the resolution gate. The primary session is not
	// deactivated when resolution fails.
	ErrResolutionFailed = errors.New("acting account resolution failed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)

// ValidationError carries the first offending field of a rejected proposal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: field %q %s", ErrInvalidProposal.Error(), e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrInvalidProposal }
