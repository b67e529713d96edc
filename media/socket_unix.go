//go:build unix

package media

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl enables SO_REUSEADDR on the media socket before bind so a
// port released by a finished call can be reused immediately.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
