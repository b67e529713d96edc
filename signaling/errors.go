package signaling

import "errors"

// Sentinel errors for call signaling.
// State violations are not errors: they are logged and ignored.
var (
	// ErrUnknownCall indicates no session exists for a call ID.
	ErrUnknownCall = errors.New("unknown call")

	// ErrNoParticipants indicates a call was placed without recipients.
	ErrNoParticipants = errors.New("call has no participants")

	// ErrInvalidState indicates an operation does not apply to the session's
	// current status.
	ErrInvalidState = errors.New("invalid call state")

	// ErrSendFailed indicates a signal could not be delivered after retries.
	ErrSendFailed = errors.New("signal delivery failed")
)

// Codec errors.
var (
	// ErrUnknownSignal indicates an encoded signal carries an unknown status.
	ErrUnknownSignal = errors.New("unknown signal status")

	// ErrMalformedSignal indicates an encoded signal could not be parsed.
	ErrMalformedSignal = errors.New("malformed signal")
)
