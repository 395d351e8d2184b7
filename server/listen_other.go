//go:build !unix

package server

import (
	"net"
	"syscall"
)

// Socket options are left at platform defaults off unix.

func controlSocket(string, Bind, syscall.RawConn) error { return nil }

func setBacklog(net.Listener, int) error { return nil }
