package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-bridge/bridge"
	"go-bridge/frame"
)

// Diagnostic bodies for 502 responses. Each names the stage that failed.
const (
	msgBridgeCallFailed  = "bridge call failed"
	msgDecodeFailed      = "decode response failed"
	msgInvalidFrameType  = "invalid bridge response frame type"
	msgClosedBeforeEnd   = "bridge closed before response end"
	msgUnexpectedUpgrade = "bridge call failed: unexpected upgrade response"
	msgInterimStream     = "bridge call failed: informational status on response start"
)

// errAborted marks a stream that failed after its headers reached the
// client. The only honest signal left is to cut the client connection.
var errAborted = errors.New("stream aborted after headers were sent")

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Backend is the bridge address: "host:port", "unix:/path" or "/path".
	Backend string

	ConnectTimeout time.Duration

	// ReadTimeout bounds each frame read from the backend. Zero leaves
	// reads bounded only by the client request context.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxFrameSize   uint32
	MaxRequestBody int64

	// EnableTunnels turns WebSocket upgrade requests into bridge tunnels.
	// When false they are relayed as ordinary requests.
	EnableTunnels bool

	// JWTSecret, when set, requires a valid HS256 token on every tunnel.
	JWTSecret []byte
}

// RequestLog is one access log entry.
type RequestLog struct {
	Time       time.Time
	ID         string
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	RemoteAddr string
	UserAgent  string
	Tunnel     bool
	Error      error
}

// Relay is an http.Handler that forwards every request over a fresh bridge
// connection and writes the bridge response back to the client.
type Relay struct {
	cfg     RelayConfig
	network string
	address string
	metrics *Metrics
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	tunnels  map[*activeTunnel]struct{}
	tunnelWG sync.WaitGroup
}

// NewRelay returns a Relay for cfg. metrics may be nil.
func NewRelay(cfg RelayConfig, metrics *Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	network, address := bridge.ParseAddress(cfg.Backend)
	return &Relay{
		cfg:     cfg,
		network: network,
		address: address,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// The backend sees Origin and decides; it can refuse with a non-101.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tunnels: make(map[*activeTunnel]struct{}),
	}
}

func (rl *Relay) Metrics() *Metrics { return rl.metrics }

// Backend returns the network and address the relay dials.
func (rl *Relay) Backend() (network, address string) {
	return rl.network, rl.address
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	routeKey := r.URL.Path
	if routeKey == "" {
		routeKey = "/"
	}
	rl.metrics.StartRequest(routeKey)

	entry := RequestLog{
		Time:       start,
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	req, err := BuildRequest(r, rl.cfg.MaxRequestBody)
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		entry.Status, entry.Error = http.StatusRequestEntityTooLarge, err
	case err != nil:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		entry.Status, entry.Error = http.StatusBadRequest, err
	default:
		entry.ID = requestID(req)
		if rl.cfg.EnableTunnels && websocket.IsWebSocketUpgrade(r) {
			entry.Tunnel = true
			entry.Status, entry.Error = rl.serveTunnel(w, r, req)
		} else {
			entry.Status, entry.Error = rl.relay(r.Context(), w, req)
		}
	}

	entry.Duration = time.Since(start)
	rl.metrics.EndRequest(routeKey, entry.Duration, entry.Error != nil)
	rl.logRequest(entry)

	if errors.Is(entry.Error, errAborted) {
		panic(http.ErrAbortHandler)
	}
}

func (rl *Relay) logRequest(entry RequestLog) {
	attrs := []slog.Attr{
		slog.String("id", entry.ID),
		slog.String("method", entry.Method),
		slog.String("path", entry.Path),
		slog.Int("status", entry.Status),
		slog.Float64("duration_ms", float64(entry.Duration.Microseconds())/1000),
		slog.String("remote_addr", entry.RemoteAddr),
	}
	if entry.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", entry.UserAgent))
	}
	if entry.Tunnel {
		attrs = append(attrs, slog.Bool("tunnel", true))
	}

	level := slog.LevelInfo
	if entry.Error != nil {
		attrs = append(attrs, slog.String("error", entry.Error.Error()))
		if entry.Status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
	}
	rl.logger.LogAttrs(context.Background(), level, "request", attrs...)
}

func (rl *Relay) dial(ctx context.Context) (*bridge.Conn, error) {
	return bridge.Dial(ctx, rl.network, rl.address,
		bridge.WithConnectTimeout(rl.cfg.ConnectTimeout),
		bridge.WithReadTimeout(rl.cfg.ReadTimeout),
		bridge.WithWriteTimeout(rl.cfg.WriteTimeout),
		bridge.WithMaxFrameSize(rl.cfg.MaxFrameSize),
	)
}

// relay runs one request/response exchange. The bridge connection is
// closed on every path, and ctx cancellation (client gone) aborts any
// pending dial, write or read.
func (rl *Relay) relay(ctx context.Context, w http.ResponseWriter, req *frame.Request) (int, error) {
	conn, first, status, err := rl.call(ctx, w, req)
	if conn == nil {
		return status, err
	}
	defer conn.Close()
	return rl.respond(ctx, w, conn, first)
}

// respond writes a non-upgrade bridge response that began with first.
func (rl *Relay) respond(ctx context.Context, w http.ResponseWriter, conn *bridge.Conn, first frame.Frame) (int, error) {
	switch f := first.(type) {
	case *frame.Response:
		if f.Status < http.StatusOK {
			return rl.badGateway(w, msgUnexpectedUpgrade, fmt.Errorf("status %d", f.Status))
		}
		writeUnary(w, f)
		return f.Status, nil
	case *frame.ResponseStart:
		// net/http sends 1xx as an interim response and then an implicit
		// 200, which would replace the backend's status.
		if f.Status < http.StatusOK {
			return rl.badGateway(w, msgInterimStream, fmt.Errorf("status %d", f.Status))
		}
		return rl.relayStream(ctx, w, conn, f)
	default:
		return rl.badGateway(w, msgInvalidFrameType, &bridge.ProtocolError{Got: first.Type(), Reason: "as first response frame"})
	}
}

// call dials, sends req and reads the first response frame. When it fails
// it has already written the 502 and returns a nil conn.
func (rl *Relay) call(ctx context.Context, w http.ResponseWriter, req *frame.Request) (*bridge.Conn, frame.Frame, int, error) {
	conn, err := rl.dial(ctx)
	if err != nil {
		status, err := rl.badGateway(w, msgBridgeCallFailed, err)
		return nil, nil, status, err
	}

	if err := conn.WriteFrame(ctx, req); err != nil {
		_ = conn.Close()
		status, err := rl.badGateway(w, msgBridgeCallFailed, err)
		return nil, nil, status, err
	}

	first, err := conn.ReadFrame(ctx)
	if err != nil {
		_ = conn.Close()
		msg := msgBridgeCallFailed
		if bridge.IsDecodeError(err) {
			msg = msgDecodeFailed
		}
		status, err := rl.badGateway(w, msg, err)
		return nil, nil, status, err
	}
	return conn, first, 0, nil
}

// relayStream copies ResponseChunk frames to the client until ResponseEnd.
//
// Headers are committed with the first chunk (or the End frame), so a
// backend that dies straight after ResponseStart still yields a clean 502.
// Once committed, a failure can only abort the client connection.
func (rl *Relay) relayStream(ctx context.Context, w http.ResponseWriter, conn *bridge.Conn, start *frame.ResponseStart) (int, error) {
	rc := http.NewResponseController(w)
	committed := false
	commit := func() {
		copyHeaders(w.Header(), start.Headers)
		w.WriteHeader(start.Status)
		committed = true
	}

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if committed {
				return start.Status, fmt.Errorf("%w: %w", errAborted, err)
			}
			msg := msgClosedBeforeEnd
			if bridge.IsDecodeError(err) {
				msg = msgDecodeFailed
			}
			return rl.badGateway(w, msg, err)
		}

		switch f := f.(type) {
		case *frame.ResponseChunk:
			if !committed {
				commit()
			}
			if len(f.Data) > 0 {
				if _, err := w.Write(f.Data); err != nil {
					return start.Status, fmt.Errorf("write to client: %w", err)
				}
			}
			_ = rc.Flush()
		case *frame.ResponseEnd:
			if !committed {
				commit()
			}
			return start.Status, nil
		default:
			perr := &bridge.ProtocolError{Got: f.Type(), Reason: "inside a response stream"}
			if committed {
				return start.Status, fmt.Errorf("%w: %w", errAborted, perr)
			}
			return rl.badGateway(w, msgInvalidFrameType, perr)
		}
	}
}

func writeUnary(w http.ResponseWriter, resp *frame.Response) {
	copyHeaders(w.Header(), resp.Headers)
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func (rl *Relay) badGateway(w http.ResponseWriter, msg string, err error) (int, error) {
	rl.metrics.BridgeFailure(msg)
	http.Error(w, msg, http.StatusBadGateway)
	return http.StatusBadGateway, fmt.Errorf("%s: %w", msg, err)
}

// Shutdown closes every open tunnel and waits for them to finish or for ctx
// to expire. Ordinary requests are drained by http.Server.Shutdown.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.mu.Lock()
	rl.closing = true
	for t := range rl.tunnels {
		t.cancel()
	}
	rl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rl.tunnelWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
