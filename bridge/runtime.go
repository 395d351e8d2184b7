package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go-bridge/frame"
)

// connState tracks one accepted connection through the runtime.
type connState int

const (
	stateAwaitingRequest connState = iota
	stateDispatched
	stateWritingUnary
	stateWritingStream
	stateTunneling
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingRequest:
		return "awaiting_request"
	case stateDispatched:
		return "dispatched"
	case stateWritingUnary:
		return "writing_unary"
	case stateWritingStream:
		return "writing_stream"
	case stateTunneling:
		return "tunneling"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Runtime is the backend side of the bridge. It accepts connections, reads
// one Request frame from each, calls Handler and writes the result back.
//
// Any failure before a complete response is written closes the connection
// without a response; the proxy reports that as a bad gateway.
type Runtime struct {
	Handler Handler

	// Logger receives structured log output. If nil, slog.Default() is used.
	Logger *slog.Logger

	// ReadTimeout bounds the wait for the Request frame. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds each frame write. Zero disables it.
	WriteTimeout time.Duration

	// MaxFrameSize bounds the inbound Request frame. Zero keeps
	// DefaultMaxFrameSize.
	MaxFrameSize uint32

	connections  sync.WaitGroup
	connectionID atomic.Int64
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// On cancellation it closes ln and waits for in-flight connections to finish
// before returning nil. Unary and stream handlers keep running during that
// drain; their context is not cancelled by ctx. Connections still waiting
// for their Request and open tunnels are cancelled with ctx, since either
// could otherwise hold the drain open indefinitely.
func (rt *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	if rt.Handler == nil {
		return errors.New("bridge: runtime has no handler")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	connCtx := context.WithoutCancel(ctx)
	var backoff time.Duration

	rt.logger().Info("bridge runtime serving", "addr", ln.Addr().String())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				rt.connections.Wait()
				rt.logger().Info("bridge runtime stopped", "addr", ln.Addr().String())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				rt.connections.Wait()
				return err
			}

			// Transient accept failure (e.g. EMFILE): back off like net/http.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			rt.logger().Error("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		rt.connections.Add(1)
		go func() {
			defer rt.connections.Done()
			rt.serveConn(connCtx, ctx, nc)
		}()
	}
}

// ServeConn runs the request/response exchange on one accepted connection
// and closes it.
func (rt *Runtime) ServeConn(ctx context.Context, nc net.Conn) {
	rt.serveConn(ctx, ctx, nc)
}

// serveConn runs handlers under ctx. The wait for the Request frame and the
// tunnel phase run under stop, which ends with the runtime.
func (rt *Runtime) serveConn(ctx, stop context.Context, nc net.Conn) {
	conn := NewConn(nc,
		WithReadTimeout(rt.ReadTimeout),
		WithWriteTimeout(rt.WriteTimeout),
		WithMaxFrameSize(rt.MaxFrameSize),
	)
	defer conn.Close()

	logger := rt.logger().With("connection_id", rt.connectionID.Add(1))
	state := stateAwaitingRequest

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "state", state, "panic", r)
		}
		logger.Debug("connection closed", "state", state)
	}()

	f, err := conn.ReadFrame(stop)
	if err != nil {
		if stop.Err() != nil {
			logger.Debug("runtime stopping before request")
		} else if IsExpectedCloseError(err) {
			logger.Debug("peer closed before request", "error", err)
		} else {
			logger.Warn("read request failed", "error", err)
		}
		return
	}
	req, ok := f.(*frame.Request)
	if !ok {
		logger.Warn("unexpected first frame", "type", f.Type().String())
		return
	}

	logger = logger.With("method", req.Method, "path", req.Path)
	state = stateDispatched

	result, err := rt.Handler.ServeBridge(ctx, req)
	if err != nil {
		logger.Warn("handler failed", "error", err)
		return
	}

	switch r := result.(type) {
	case *Unary:
		state = stateWritingUnary
		err = writeUnary(ctx, conn, r)
	case *Stream:
		state = stateWritingStream
		err = writeStream(ctx, conn, r)
	case *Upgrade:
		state = stateTunneling
		err = serveUpgrade(ctx, stop, conn, r)
	default:
		err = fmt.Errorf("%w: no result", ErrHandler)
	}
	if err != nil {
		if state == stateTunneling && stop.Err() != nil {
			logger.Debug("tunnel closed by shutdown")
		} else if IsExpectedCloseError(err) {
			logger.Debug("exchange ended by peer", "state", state, "error", err)
		} else {
			logger.Warn("exchange failed", "state", state, "error", err)
		}
		return
	}
	state = stateClosed
}

func writeUnary(ctx context.Context, conn *Conn, r *Unary) error {
	if !frame.ValidStatus(r.Status) {
		return fmt.Errorf("%w: status %d outside [100,599]", ErrHandler, r.Status)
	}
	return conn.WriteFrame(ctx, &frame.Response{
		Status:  r.Status,
		Headers: r.Headers,
		Body:    r.Body,
	})
}

func writeStream(ctx context.Context, conn *Conn, s *Stream) error {
	if !frame.ValidStatus(s.Status) {
		return fmt.Errorf("%w: status %d outside [100,599]", ErrHandler, s.Status)
	}
	// A streamed body needs a final status; 1xx would be read as interim.
	if s.Status < 200 {
		return fmt.Errorf("%w: informational status %d cannot start a stream", ErrHandler, s.Status)
	}
	if err := conn.WriteFrame(ctx, &frame.ResponseStart{Status: s.Status, Headers: s.Headers}); err != nil {
		return err
	}
	if s.Body != nil {
		for chunk, err := range s.Body {
			if err != nil {
				return fmt.Errorf("%w: %w", ErrHandler, err)
			}
			if err := conn.WriteFrame(ctx, &frame.ResponseChunk{Data: chunk}); err != nil {
				return err
			}
		}
	}
	return conn.WriteFrame(ctx, &frame.ResponseEnd{})
}

func serveUpgrade(ctx, stop context.Context, conn *Conn, u *Upgrade) error {
	if u.Serve == nil {
		return fmt.Errorf("%w: upgrade without Serve", ErrHandler)
	}
	if err := conn.WriteFrame(ctx, &frame.Response{Status: 101, Headers: u.Headers}); err != nil {
		return err
	}

	// Close the socket on stop as well, for Serve funcs that block on
	// something other than the tunnel.
	release := context.AfterFunc(stop, func() { _ = conn.Close() })
	defer release()
	return u.Serve(stop, NewTunnel(conn))
}
