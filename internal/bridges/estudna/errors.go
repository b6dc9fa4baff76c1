package estudna

import "errors"

// Domain errors for the eSTUDNA bridge package.
var (
	// ErrMissingOption is returned by NewBridge when a required option is nil.
	ErrMissingOption = errors.New("estudna: required bridge option missing")

	// ErrInvalidCommand is returned when a command cannot be executed as sent.
	ErrInvalidCommand = errors.New("estudna: invalid command")

	// ErrNotSupported is returned for relay commands to devices without relays.
	ErrNotSupported = errors.New("estudna: relay control not supported")
)
