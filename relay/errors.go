package relay

import "errors"

var (
	// ErrRequestTimeout is returned when a bounded request receives no
	// reply within its deadline. This is the only automatic
	// failure-recovery path; there is no retry.
	ErrRequestTimeout = errors.New("relay request timed out")

	// ErrRelay is returned when the relay reports an operation-level error
	// in its reply payload.
	ErrRelay = errors.New("relay error")

	// ErrNoResource is returned when a resource fetch succeeds at the
	// transport level but the relay returns no resource.
	ErrNoResource = errors.New("relay returned no resource")

	// ErrChannelClosed is returned when writing to a channel that is not
	// open.
	ErrChannelClosed = errors.New("relay channel closed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid relay config")
)
