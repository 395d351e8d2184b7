package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go-bridge/bridge"
	"go-bridge/config"
	"go-bridge/frame"
	"go-bridge/server"
)

// startStack runs a bridge runtime and a fully wired transport server in
// front of it, the way main does.
func startStack(t *testing.T, h bridge.Handler) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rt := &bridge.Runtime{Handler: h, Logger: logger}
	rtCtx, rtCancel := context.WithCancel(context.Background())
	rtDone := make(chan struct{})
	go func() {
		defer close(rtDone)
		_ = rt.Serve(rtCtx, ln)
	}()

	cfg := config.Default()
	cfg.Backend = ln.Addr().String()
	cfg.Listeners = []config.Listener{{Host: "127.0.0.1", Port: 0}}
	cfg.Admin.Enabled = true
	cfg.ShutdownTimeoutMs = 2000

	srv, _, err := buildServer(cfg, logger)
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-runDone:
		t.Fatalf("Run: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		<-runDone
		rtCancel()
		<-rtDone
	})
	return srv.Addrs()[0].String()
}

func appHandler() bridge.Handler {
	return bridge.HandlerFunc(func(ctx context.Context, req *frame.Request) (bridge.Result, error) {
		switch req.Path {
		case "/ws":
			return &bridge.Upgrade{Serve: func(ctx context.Context, tun *bridge.Tunnel) error {
				for {
					msg, err := tun.Recv(ctx)
					if err != nil {
						return err
					}
					if err := tun.Send(ctx, []byte(strings.ToUpper(string(msg)))); err != nil {
						return err
					}
				}
			}}, nil
		case "/events":
			return &bridge.Stream{Status: 200, Body: bridge.Chunks([]byte("a,"), []byte("b,"), []byte("c"))}, nil
		default:
			return &bridge.Unary{Status: 200, Body: []byte(req.Method + " " + req.Path)}, nil
		}
	})
}

func TestStackRelaysUnaryAndStream(t *testing.T) {
	addr := startStack(t, appHandler())

	for path, want := range map[string]string{"/hello": "GET /hello", "/events": "a,b,c"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != 200 || string(body) != want {
			t.Fatalf("GET %s = %d %q, want %q", path, resp.StatusCode, body, want)
		}
	}
}

func TestStackTunnel(t *testing.T) {
	addr := startStack(t, appHandler())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("shout")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "SHOUT" {
		t.Fatalf("expected SHOUT, got %q %v", msg, err)
	}
}

func TestStackAdminEndpoints(t *testing.T) {
	addr := startStack(t, appHandler())

	resp, err := http.Get("http://" + addr + "/__bridge/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var summary server.HealthSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode health summary: %v", err)
	}
	if !summary.BackendUp {
		t.Fatalf("expected backend to be reachable: %+v", summary)
	}

	resp2, err := http.Get("http://" + addr + "/__bridge/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}
