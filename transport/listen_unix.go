//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func dualStackControl(_, _ string, c syscall.RawConn) error {
	var serr error

	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}

	return serr
}
