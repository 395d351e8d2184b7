// go-bridge-server terminates client HTTP, TLS and WebSocket connections
// and relays each request to a bridge runtime over the framed protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"go-bridge/config"
	"go-bridge/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	backend    string
	listen     []string
	verbose    bool
	help       bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("go-bridge-server", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "config file (default: go_bridge.{yaml,yml,json} in the project root)")
	flagSet.StringVarP(&opts.backend, "backend", "b", "", "bridge runtime address, host:port or unix:/path")
	flagSet.StringArrayVarP(&opts.listen, "listen", "l", nil, "listen address host:port (repeatable, replaces configured listeners)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	return opts, flagSet, nil
}

// loadConfig resolves configuration in order: file, environment, flags.
func loadConfig(opts *options, getenv func(string) string) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg, _ = config.Discover(config.ProjectRoot())
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if len(opts.listen) > 0 {
		cfg.Listeners = cfg.Listeners[:0]
		for _, addr := range opts.listen {
			l, err := config.ParseListener(addr)
			if err != nil {
				return nil, fmt.Errorf("--listen %q: %w", addr, err)
			}
			cfg.Listeners = append(cfg.Listeners, l)
		}
	}
	return cfg, nil
}

func newLogger(cfg config.Log, verbose bool, w io.Writer) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// buildServer wires the relay, optional admin endpoints and the transport
// server from cfg.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, *server.Relay, error) {
	relay := server.NewRelay(server.RelayConfig{
		Backend:        cfg.Backend,
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		MaxFrameSize:   cfg.MaxFrameBytes,
		MaxRequestBody: cfg.MaxRequestBodyBytes,
		EnableTunnels:  cfg.Tunnel.Enabled,
		JWTSecret:      []byte(cfg.Tunnel.JWTSecret),
	}, server.NewMetrics(), logger)

	var handler http.Handler = relay
	if cfg.Admin.Enabled {
		handler = server.WithAdmin(cfg.Admin.Prefix, relay, relay)
	}

	binds := make([]server.Bind, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		binds = append(binds, server.Bind{Host: l.Host, Port: l.Port, Backlog: l.Backlog, DualStack: l.DualStack})
	}

	opts := server.Options{
		Binds:           binds,
		HTTP2Cleartext:  cfg.H2C,
		HTTP3:           cfg.HTTP3,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}
	if cfg.TLS.Enabled() {
		opts.TLS = &server.TLSOptions{
			CertFile:          cfg.TLS.CertFile,
			KeyFile:           cfg.TLS.KeyFile,
			Password:          []byte(cfg.TLS.Password),
			RequestClientCert: cfg.TLS.RequestClientCert,
			Watch:             cfg.TLS.Watch,
		}
	}

	srv, err := server.NewServer(opts, handler, logger)
	if err != nil {
		return nil, nil, err
	}
	srv.OnShutdown(relay.Shutdown)
	return srv, relay, nil
}

func run(args []string) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flagSet)
			return nil
		}
		return err
	}
	if opts.help {
		printUsage(flagSet)
		return nil
	}

	cfg, err := loadConfig(opts, os.Getenv)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, opts.verbose, os.Stderr)
	slog.SetDefault(logger)

	srv, relay, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}

	network, address := relay.Backend()
	logger.Info("go-bridge server starting",
		"backend", network+":"+address,
		"listeners", len(cfg.Listeners),
		"tls", cfg.TLS.Enabled(),
		"h2c", cfg.H2C,
		"http3", cfg.HTTP3,
		"tunnels", cfg.Tunnel.Enabled,
		"admin", cfg.Admin.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stdout, `go-bridge-server - relay HTTP and WebSocket traffic to a bridge runtime

USAGE
    go-bridge-server [flags]

FLAGS
%s
ENVIRONMENT
    BRIDGE_BACKEND     overrides backend
    APP_SERVER_ADDR    single listen address, replaces configured listeners
    APP_JWT_SECRET     HS256 secret required on WebSocket upgrades
`, flagSet.FlagUsages())
}
