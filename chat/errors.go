package chat

import "errors"

// Sentinel errors for the chat channel.
var (
	// ErrNotConnected indicates the client has no live link to the hub.
	ErrNotConnected = errors.New("not connected to chat hub")

	// ErrPeerUnknown indicates the destination identity is not logged in.
	ErrPeerUnknown = errors.New("peer not connected")

	// ErrHandshake indicates link setup or login failed.
	ErrHandshake = errors.New("chat handshake failed")

	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("chat frame too large")

	// ErrClosed indicates the client, hub or endpoint has been closed.
	ErrClosed = errors.New("chat closed")

	// ErrAckTimeout indicates the hub did not confirm delivery in time.
	ErrAckTimeout = errors.New("chat delivery not acknowledged")
)
