//go:build !unix

package media

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
