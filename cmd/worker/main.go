// go-bridge-worker is a sample bridge runtime. It answers relayed requests
// with JSON, streams /stream in chunks and echoes WebSocket messages on /ws.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"go-bridge/bridge"
	"go-bridge/frame"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("go-bridge-worker", pflag.ContinueOnError)
	listen := flagSet.StringP("listen", "l", "127.0.0.1:9000", "listen address, host:port or unix:/path")
	chunkDelay := flagSet.Duration("chunk-delay", 100*time.Millisecond, "pause between /stream chunks")
	verbose := flagSet.BoolP("verbose", "v", false, "enable debug logging")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	network, address := bridge.ParseAddress(*listen)
	if network == "unix" {
		// A stale socket from a previous run blocks the bind.
		_ = os.Remove(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := &bridge.Runtime{
		Handler:      newHandler(*chunkDelay, logger),
		Logger:       logger,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return rt.Serve(ctx, ln)
}

type echoReply struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query,omitempty"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body,omitempty"`
	Time    time.Time           `json:"time"`
}

func newHandler(chunkDelay time.Duration, logger *slog.Logger) bridge.Handler {
	return bridge.HandlerFunc(func(ctx context.Context, req *frame.Request) (bridge.Result, error) {
		logger.Debug("request", "method", req.Method, "path", req.Path)

		switch req.Path {
		case "/ws":
			return &bridge.Upgrade{Serve: echoTunnel}, nil
		case "/stream":
			return &bridge.Stream{
				Status:  200,
				Headers: []frame.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
				Body:    countdown(ctx, 5, chunkDelay),
			}, nil
		}

		reply := echoReply{
			Method:  req.Method,
			Path:    req.Path,
			Query:   req.Query,
			Headers: make(map[string][]string),
			Body:    string(req.Body),
			Time:    time.Now().UTC(),
		}
		for _, h := range req.Headers {
			reply.Headers[h.Name] = append(reply.Headers[h.Name], h.Value)
		}
		body, err := json.Marshal(reply)
		if err != nil {
			return nil, err
		}
		return &bridge.Unary{
			Status:  200,
			Headers: []frame.Header{{Name: "Content-Type", Value: "application/json"}},
			Body:    body,
		}, nil
	})
}

func countdown(ctx context.Context, n int, delay time.Duration) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for i := n; i > 0; i-- {
			if !yield([]byte(fmt.Sprintf("%d\n", i)), nil) {
				return
			}
			if delay <= 0 {
				continue
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

func echoTunnel(ctx context.Context, tun *bridge.Tunnel) error {
	for {
		msg, err := tun.Recv(ctx)
		if err != nil {
			if bridge.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(string(msg)) == "close" {
			return nil
		}
		if err := tun.Send(ctx, msg); err != nil {
			return err
		}
	}
}
