package bridge

import (
	"context"
	"iter"

	"go-bridge/frame"
)

// Handler turns one decoded request into a Result. It is the only point
// where application code plugs into the runtime.
type Handler interface {
	ServeBridge(ctx context.Context, req *frame.Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *frame.Request) (Result, error)

func (f HandlerFunc) ServeBridge(ctx context.Context, req *frame.Request) (Result, error) {
	return f(ctx, req)
}

// Result is one of *Unary, *Stream or *Upgrade.
type Result interface {
	result()
}

// Unary is a fully buffered response, written as a single Response frame.
type Unary struct {
	Status  int
	Headers []frame.Header
	Body    []byte
}

// Stream is written as ResponseStart, one ResponseChunk per yielded chunk
// and a final ResponseEnd. Yielding a non-nil error stops the stream and
// closes the connection without ResponseEnd.
type Stream struct {
	Status  int
	Headers []frame.Header
	Body    iter.Seq2[[]byte, error]
}

// Upgrade accepts a WebSocket upgrade. The runtime answers with a 101
// Response carrying Headers and then hands the connection to Serve.
type Upgrade struct {
	Headers []frame.Header
	Serve   func(ctx context.Context, t *Tunnel) error
}

func (*Unary) result()   {}
func (*Stream) result()  {}
func (*Upgrade) result() {}

// Chunks yields each chunk in order.
func Chunks(chunks ...[]byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}
