package broker

import "errors"

var (
	// ErrInvalidURL is returned for listener URLs with an unknown
	// transport scheme.
	ErrInvalidURL = errors.New("invalid listener url")

	// ErrListenFailure wraps a failed bind/listen on a socket.
	ErrListenFailure = errors.New("listen failure")

	// ErrOrganizationNotFound is returned when a heartbeat or management
	// call names an organization that is not registered.
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrDeviceNotFound is returned when the management API cannot locate
	// a device record.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSessionNotFound is returned when no live session exists for the
	// (organization, device) pair.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotReady is returned when a session exists but its first
	// heartbeat has not completed yet.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrRPCFailure wraps a failed outbound call to a device.
	ErrRPCFailure = errors.New("rpc failure")

	// ErrStoreFailure wraps a failed relational-store call.
	ErrStoreFailure = errors.New("store failure")

	// ErrInvalidRequest is returned for malformed input such as a missing
	// device id.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrShutdown is observed by tasks during broker teardown.
	ErrShutdown = errors.New("broker shutting down")
)
