package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go-bridge/bridge"
	"go-bridge/frame"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newScriptedBackend accepts bridge connections and, for each one, reads
// the Request frame and hands the raw socket to script. The socket is
// closed when script returns.
func newScriptedBackend(t *testing.T, script func(nc net.Conn, req *frame.Request)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer nc.Close()
				f, err := frame.ReadFrom(nc, 0)
				if err != nil {
					return
				}
				req, ok := f.(*frame.Request)
				if !ok {
					return
				}
				script(nc, req)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	return ln.Addr().String()
}

// writeFrames writes each frame to nc, stopping at the first error.
func writeFrames(nc net.Conn, frames ...frame.Frame) {
	for _, f := range frames {
		if err := frame.WriteTo(nc, f); err != nil {
			return
		}
	}
}

// newRuntimeBackend serves h with a real bridge.Runtime.
func newRuntimeBackend(t *testing.T, h bridge.Handler) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rt := &bridge.Runtime{Handler: h, Logger: discardLogger(), ReadTimeout: 2 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

// newRelayServer fronts backend with a Relay behind httptest.
func newRelayServer(t *testing.T, cfg RelayConfig) (*httptest.Server, *Relay) {
	t.Helper()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	relay := NewRelay(cfg, NewMetrics(), discardLogger())
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relay.Shutdown(ctx)
		srv.Close()
	})
	return srv, relay
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
