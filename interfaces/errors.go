package interfaces

import "errors"

var (
	// ErrAttestationFailure is returned when quote generation, the endorsement
	// round trip, or validation of the endorsement fails.
	ErrAttestationFailure = errors.New("attestation failure")

	// ErrChannelConfig is returned for a malformed identity or trust policy.
	ErrChannelConfig = errors.New("channel configuration error")

	// ErrUnknownCommand is returned for command ids outside the entry point table.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMalformedRequest is returned when raw command input does not decode.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrIllegalTransition is returned when a command is not legal in the current lifecycle state.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrConnection is scoped to a single RPC connection.
	ErrConnection = errors.New("connection error")

	// ErrServiceFailed is returned when the listener cannot be bound or the accept loop dies.
	ErrServiceFailed = errors.New("service failed")
)
