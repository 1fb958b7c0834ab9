package deconz

import "errors"

// Domain errors for the deCONZ bridge package.
var (
	// ErrNodeNotFound is returned when no light or sensor has the unique id.
	ErrNodeNotFound = errors.New("deconz: node not found")

	// ErrNotLoaded is returned when nodes are queried before Load succeeded.
	ErrNotLoaded = errors.New("deconz: nodes not loaded")

	// ErrRequestFailed is returned when the gateway rejects a REST request.
	ErrRequestFailed = errors.New("deconz: request failed")

	// ErrInvalidMessage is returned when a push message cannot be decoded.
	ErrInvalidMessage = errors.New("deconz: invalid message")
)
