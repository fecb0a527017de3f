//go:build !unix

package transport

import "syscall"

// Non-unix builds keep the platform defaults; broadcast discovery may not reach peers.
func socketControl(broadcast bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
