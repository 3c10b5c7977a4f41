//go:build !unix

package transport

import "syscall"

func setReuseAddr(fd uintptr) error { return nil }
func setBroadcast(fd uintptr) error { return nil }

func control(c syscall.RawConn, opts ...func(uintptr) error) error { return nil }
