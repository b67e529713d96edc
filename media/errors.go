package media

import (
	"errors"
	"syscall"
)

// Sentinel errors for media transport operations.
var (
	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("media transport closed")

	// ErrNotBound indicates an operation needs a bound UDP endpoint.
	ErrNotBound = errors.New("media transport not bound")

	// ErrAlreadyBound indicates Bind was called twice.
	ErrAlreadyBound = errors.New("media transport already bound")

	// ErrNoRemoteEndpoint indicates no remote endpoint is known yet.
	ErrNoRemoteEndpoint = errors.New("no remote endpoint configured")

	// ErrPortExhausted indicates every candidate port was in use.
	ErrPortExhausted = errors.New("no free media port in range")

	// ErrInvalidProbe indicates a datagram is not a control probe.
	ErrInvalidProbe = errors.New("invalid control probe")
)

// IsAddrInUse reports whether err is a port-in-use bind failure.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
