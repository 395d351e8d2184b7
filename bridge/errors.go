package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"go-bridge/frame"
)

// ErrHandler marks a handler that failed before producing output.
var ErrHandler = errors.New("bridge: handler failed")

// ConnectionError is a refused, reset, closed or timed-out socket operation.
type ConnectionError struct {
	Op  string // "dial", "read", "write"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bridge: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the operation failed because a deadline passed.
func (e *ConnectionError) Timeout() bool {
	if errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ProtocolError is a well-formed frame arriving in the wrong state.
type ProtocolError struct {
	Got    frame.Type
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bridge: protocol violation: %s frame %s", e.Got, e.Reason)
}

// IsDecodeError reports whether err carries a *frame.DecodeError.
func IsDecodeError(err error) bool {
	var decodeErr *frame.DecodeError
	return errors.As(err, &decodeErr)
}

// IsExpectedCloseError reports whether err is an ordinary connection
// termination: EOF, closed connection, broken pipe or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
