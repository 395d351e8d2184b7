//go:build unix

package server

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func controlSocket(network string, b Bind, rawConn syscall.RawConn) error {
	var opErr error
	err := rawConn.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			opErr = fmt.Errorf("SO_REUSEADDR: %w", opErr)
			return
		}
		if network != "tcp6" && network != "udp6" {
			return
		}
		if v6only, ok := b.v6only(); ok {
			value := 0
			if v6only {
				value = 1
			}
			if opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, value); opErr != nil {
				opErr = fmt.Errorf("IPV6_V6ONLY: %w", opErr)
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// setBacklog re-issues listen(2) on an open socket; the kernel adopts the
// new queue length.
func setBacklog(ln net.Listener, backlog int) error {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil
	}
	rawConn, err := tl.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = rawConn.Control(func(fd uintptr) {
		opErr = unix.Listen(int(fd), backlog)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return fmt.Errorf("listen backlog %d: %w", backlog, opErr)
	}
	return nil
}
