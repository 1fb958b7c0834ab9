package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnknownAction is returned when invoking an action the device does not expose.
	ErrUnknownAction = errors.New("device: unknown action")

	// ErrPrivateAction is returned when invoking an action whose name starts with the private prefix.
	ErrPrivateAction = errors.New("device: private action")

	// ErrInvalidArgument is returned when an action argument has the wrong type or is missing.
	ErrInvalidArgument = errors.New("device: invalid argument")

	// ErrUnsupportedListener is returned when a listener's function signature is not recognised.
	ErrUnsupportedListener = errors.New("device: unsupported listener signature")

	// ErrJournalCorrupt is returned when a history file cannot be decoded.
	ErrJournalCorrupt = errors.New("device: journal corrupt")

	// ErrJournalFlush is returned when a history file cannot be written.
	ErrJournalFlush = errors.New("device: journal flush failed")
)
