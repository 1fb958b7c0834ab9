package telemetry

import "errors"

// Domain errors for the telemetry package.
var (
	// ErrNoTransport is returned when a StateMirror has neither MQTT nor NATS configured.
	ErrNoTransport = errors.New("telemetry: no transport configured")

	// ErrNATSConnect is returned when the NATS server cannot be reached.
	ErrNATSConnect = errors.New("telemetry: nats connection failed")
)
