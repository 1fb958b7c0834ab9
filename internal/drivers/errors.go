package drivers

import "errors"

// Domain errors for the drivers package.
var (
	// ErrUnknownDriver is returned when a device config names no known driver.
	ErrUnknownDriver = errors.New("drivers: unknown driver")

	// ErrInvalidParams is returned when driver params cannot be decoded or are incomplete.
	ErrInvalidParams = errors.New("drivers: invalid params")

	// ErrMissingDependency is returned when a driver needs a transport that is not configured.
	ErrMissingDependency = errors.New("drivers: missing dependency")

	// ErrMalformedPayload is returned by message handlers for payloads they cannot decode.
	ErrMalformedPayload = errors.New("drivers: malformed payload")
)
