//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setBroadcast(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
}

func control(c syscall.RawConn, opts ...func(uintptr) error) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range opts {
			if opErr = opt(fd); opErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
