package server

import (
	"context"
	"net"
	"strconv"
	"syscall"
)

// Bind is one listening address.
type Bind struct {
	Host string
	Port int

	// Backlog overrides the kernel accept queue length when positive.
	Backlog int

	// DualStack lets an IPv6 literal host accept IPv4-mapped clients as
	// well. It has no effect on IPv4 hosts or an empty host.
	DualStack bool
}

func (b Bind) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// v6only reports the IPV6_V6ONLY value to force, if any.
func (b Bind) v6only() (value, set bool) {
	ip := net.ParseIP(b.Host)
	if ip == nil || ip.To4() != nil {
		return false, false
	}
	return !b.DualStack, true
}

func (b Bind) listenConfig() *net.ListenConfig {
	lc := new(net.ListenConfig)
	lc.Control = func(network, address string, rawConn syscall.RawConn) error {
		return controlSocket(network, b, rawConn)
	}
	return lc
}

// listenTCP opens the stream listener for b with its socket options
// applied before bind.
func listenTCP(ctx context.Context, b Bind) (net.Listener, error) {
	ln, err := b.listenConfig().Listen(ctx, "tcp", b.Address())
	if err != nil {
		return nil, err
	}
	if b.Backlog > 0 {
		if err := setBacklog(ln, b.Backlog); err != nil {
			_ = ln.Close()
			return nil, err
		}
	}
	return ln, nil
}

// listenUDP opens the datagram socket for an HTTP/3 gate on the same
// address as its TCP listener.
func listenUDP(ctx context.Context, b Bind) (net.PacketConn, error) {
	return b.listenConfig().ListenPacket(ctx, "udp", b.Address())
}
