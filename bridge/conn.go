package bridge

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-bridge/frame"
)

const (
	// DefaultMaxFrameSize bounds a single frame payload.
	DefaultMaxFrameSize uint32 = 16 << 20 // 16 MiB

	DefaultConnectTimeout = 5 * time.Second
)

type options struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxFrameSize   uint32
}

type Option func(*options)

// WithConnectTimeout bounds Dial. Zero keeps DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithReadTimeout bounds every ReadFrame call. Zero means no per-call limit
// beyond the context deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

func WithMaxFrameSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		connectTimeout: DefaultConnectTimeout,
		maxFrameSize:   DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Conn carries the frames of one logical exchange over a socket.
//
// Conn is safe for one concurrent reader and one concurrent writer. After
// any read or write failure the socket is closed and every later call fails;
// a connection is never reused in an indeterminate state.
type Conn struct {
	nc   net.Conn
	opts options

	readMu  sync.Mutex
	writeMu sync.Mutex

	broken    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a bridge peer. network is "tcp" or "unix".
func Dial(ctx context.Context, network, address string, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	dialer := net.Dialer{Timeout: o.connectTimeout}
	nc, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return &Conn{nc: nc, opts: o}, nil
}

// NewConn wraps an established socket, typically one returned by Accept.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	return &Conn{nc: nc, opts: newOptions(opts)}
}

// ParseAddress splits a configured backend address into network and
// address. "unix:/run/app.sock" and absolute paths select a Unix socket;
// anything else is a TCP host:port.
func ParseAddress(s string) (network, address string) {
	switch {
	case strings.HasPrefix(s, "unix:"):
		return "unix", strings.TrimPrefix(s, "unix:")
	case strings.HasPrefix(s, "/"):
		return "unix", s
	default:
		return "tcp", strings.TrimPrefix(s, "tcp:")
	}
}

// WriteFrame encodes f and writes it with a single Write call.
func (c *Conn) WriteFrame(ctx context.Context, f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.broken.Load() {
		return &ConnectionError{Op: "write", Err: net.ErrClosed}
	}

	stop := c.watch(ctx, c.opts.writeTimeout, c.nc.SetWriteDeadline)
	defer stop()

	if err := frame.WriteTo(c.nc, f); err != nil {
		c.fail()
		return &ConnectionError{Op: "write", Err: preferContextErr(ctx, err)}
	}
	return nil
}

// ReadFrame reads exactly one frame. The call returns once the read timeout
// or the context deadline passes, or the context is cancelled. A peer close
// before the first byte is a *ConnectionError wrapping io.EOF; a garbled or
// truncated frame is a *frame.DecodeError.
func (c *Conn) ReadFrame(ctx context.Context) (frame.Frame, error) {
	return c.readFrame(ctx, c.opts.readTimeout)
}

func (c *Conn) readFrame(ctx context.Context, timeout time.Duration) (frame.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.broken.Load() {
		return nil, &ConnectionError{Op: "read", Err: net.ErrClosed}
	}

	stop := c.watch(ctx, timeout, c.nc.SetReadDeadline)
	defer stop()

	f, err := frame.ReadFrom(c.nc, c.opts.maxFrameSize)
	if err != nil {
		c.fail()
		if IsDecodeError(err) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "read", Err: preferContextErr(ctx, err)}
	}
	return f, nil
}

// Close closes the socket. It is safe to call more than once and after
// errors; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.broken.Store(true)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) fail() {
	_ = c.Close()
}

// watch applies the earlier of timeout and the context deadline to the
// socket, and moves the deadline to now if ctx is cancelled mid-call.
func (c *Conn) watch(ctx context.Context, timeout time.Duration, setDeadline func(time.Time) error) (stop func()) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = setDeadline(deadline)

	stopAfter := context.AfterFunc(ctx, func() { _ = setDeadline(time.Now()) })
	return func() {
		stopAfter()
		_ = setDeadline(time.Time{})
	}
}

func preferContextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
