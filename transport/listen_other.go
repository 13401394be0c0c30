//go:build !unix && !windows

package transport

import "syscall"

func dualStackControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
