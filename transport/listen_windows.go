package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func dualStackControl(_, _ string, c syscall.RawConn) error {
	var serr error

	err := c.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}

	return serr
}
