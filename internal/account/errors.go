package account

import "errors"

// Domain errors for the account registry.
var (
	// ErrDuplicate is returned when an account id is registered twice.
	ErrDuplicate = errors.New("account: already registered")

	// ErrUnknownAccount is returned when no account has the requested id.
	ErrUnknownAccount = errors.New("account: not registered")

	// ErrDeviceNotFound is returned when no registered account owns a device.
	ErrDeviceNotFound = errors.New("account: device not found")

	// ErrCannotConnect is returned by ValidateCredentials when the cloud
	// could not be reached.
	ErrCannotConnect = errors.New("account: cannot connect")

	// ErrInvalidAuth is returned by ValidateCredentials when the cloud
	// rejected the credentials.
	ErrInvalidAuth = errors.New("account: invalid authentication")
)
