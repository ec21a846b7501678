package uplink

import "errors"

// Domain-specific errors for uplink operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfig is returned for malformed or missing endpoint
	// configuration (e.g. no broker address). Surfaced once in startup
	// diagnostics; the endpoint stays out of service.
	ErrConfig = errors.New("uplink: invalid endpoint configuration")

	// ErrTransport is returned for connect or publish failures. Triggers
	// backoff and indefinite retry.
	ErrTransport = errors.New("uplink: transport failure")

	// ErrAuthRejected is returned when the broker refuses the
	// credentials or token. Distinct from ErrTransport: it forces an
	// immediate token reissue before the next reconnect attempt.
	ErrAuthRejected = errors.New("uplink: broker rejected authentication")

	// ErrQueueFull is reported (at debug level) when an endpoint's
	// bounded queue drops an event rather than block the producer.
	ErrQueueFull = errors.New("uplink: publish queue full")
)
