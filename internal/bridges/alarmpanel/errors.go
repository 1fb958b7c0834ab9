package alarmpanel

import "errors"

// Domain errors for the alarm panel bridge.
var (
	// ErrRequestFailed is returned when the panel API or token endpoint fails.
	ErrRequestFailed = errors.New("alarmpanel: request failed")

	// ErrUnexpectedResponse is returned when a response body has the wrong shape.
	ErrUnexpectedResponse = errors.New("alarmpanel: unexpected response")

	// ErrPushDisabled is returned by Listen when no push URL is configured.
	ErrPushDisabled = errors.New("alarmpanel: push stream not configured")

	// ErrPushLost is returned by Listen when the push stream errors or disconnects.
	ErrPushLost = errors.New("alarmpanel: push stream lost")
)
