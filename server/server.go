package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const DefaultShutdownTimeout = 30 * time.Second

// TLSOptions enables TLS on every bind.
type TLSOptions struct {
	CertFile string
	KeyFile  string
	Password []byte

	// RequestClientCert asks clients for a certificate without requiring
	// or verifying one; the handler sees it on r.TLS.
	RequestClientCert bool

	// Watch reloads the certificate when either file changes.
	Watch bool
}

type Options struct {
	Binds []Bind
	TLS   *TLSOptions

	// HTTP2Cleartext serves h2c on plain binds.
	HTTP2Cleartext bool

	// HTTP3 opens a QUIC listener next to each TLS bind.
	HTTP3 bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// Server terminates client connections on one gate per bind and hands
// every request to a single handler.
type Server struct {
	opts    Options
	handler http.Handler
	logger  *slog.Logger
	certs   *CertReloader

	mu         sync.Mutex
	gates      []*gate
	onShutdown []func(context.Context) error
	ready      chan struct{}
	started    atomic.Bool
}

type gate struct {
	bind     Bind
	listener net.Listener
	http     *http.Server
	h3       *http3.Server
	udp      net.PacketConn
}

func NewServer(opts Options, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Binds) == 0 {
		return nil, errors.New("server: no binds configured")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.HTTP3 && opts.TLS == nil {
		return nil, errors.New("server: HTTP/3 requires TLS")
	}

	s := &Server{
		opts:    opts,
		handler: handler,
		logger:  logger,
		ready:   make(chan struct{}),
	}

	if opts.TLS != nil {
		certs, err := NewCertReloader(opts.TLS.CertFile, opts.TLS.KeyFile, opts.TLS.Password, logger)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.certs = certs
	}
	return s, nil
}

// OnShutdown registers f to run after the gates stop accepting, with the
// shutdown deadline context. Relay.Shutdown is registered this way so
// hijacked tunnels are closed too.
func (s *Server) OnShutdown(f func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, f)
}

// Ready is closed once Run has opened its listeners. It stays open when
// Run fails to bind anything, so wait on Run's result as well.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addrs returns the bound TCP addresses; valid after Ready.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.gates))
	for _, g := range s.gates {
		addrs = append(addrs, g.listener.Addr())
	}
	return addrs
}

// Run opens every bind and serves until ctx is cancelled, then stops
// accepting, drains in-flight requests up to ShutdownTimeout and returns.
// A bind that fails to open is logged and skipped; Run fails only when no
// bind opens. A Server runs once; later calls return an error.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: Run called more than once")
	}

	var tlsConf *tls.Config
	if s.certs != nil {
		tlsConf = s.tlsConfig()
		if s.opts.TLS.Watch {
			if err := s.certs.Watch(); err != nil {
				s.logger.Warn("certificate watch disabled", "error", err)
			}
		}
		defer s.certs.Close()
	}

	var gates []*gate
	for _, b := range s.opts.Binds {
		g, err := s.openGate(ctx, b, tlsConf)
		if err != nil {
			s.logger.Error("bind failed", "addr", b.Address(), "error", err)
			continue
		}
		gates = append(gates, g)
	}
	if len(gates) == 0 {
		return errors.New("server: no listener could be bound")
	}

	s.mu.Lock()
	s.gates = gates
	s.mu.Unlock()
	close(s.ready)

	var wg sync.WaitGroup
	for _, g := range gates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveGate(g, tlsConf)
		}()
		if g.h3 != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := g.h3.Serve(g.udp); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
					s.logger.Error("http3 gate stopped", "addr", g.udp.LocalAddr().String(), "error", err)
				}
			}()
		}
	}

	<-ctx.Done()
	s.logger.Info("shutting down", "timeout", s.opts.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	s.shutdown(shutdownCtx, gates)

	wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) openGate(ctx context.Context, b Bind, tlsConf *tls.Config) (*gate, error) {
	ln, err := listenTCP(ctx, b)
	if err != nil {
		return nil, err
	}
	g := &gate{bind: b, listener: ln}

	handler := s.handler
	if s.opts.HTTP3 && tlsConf != nil {
		// Bind UDP on the port the TCP listener actually got.
		udpBind := b
		udpBind.Port = ln.Addr().(*net.TCPAddr).Port
		udp, err := listenUDP(ctx, udpBind)
		if err != nil {
			s.logger.Warn("http3 disabled for bind", "addr", b.Address(), "error", err)
		} else {
			g.udp = udp
			g.h3 = &http3.Server{
				Handler:   s.handler,
				TLSConfig: http3.ConfigureTLSConfig(tlsConf.Clone()),
				Port:      udpBind.Port,
			}
			handler = altSvc(g.h3, handler)
		}
	}
	if tlsConf == nil && s.opts.HTTP2Cleartext {
		handler = h2c.NewHandler(handler, &http2.Server{IdleTimeout: s.opts.IdleTimeout})
	}

	g.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if tlsConf != nil {
		g.http.TLSConfig = tlsConf.Clone()
		if err := http2.ConfigureServer(g.http, &http2.Server{IdleTimeout: s.opts.IdleTimeout}); err != nil {
			g.close()
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}
	return g, nil
}

func (s *Server) serveGate(g *gate, tlsConf *tls.Config) {
	addr := g.listener.Addr().String()
	s.logger.Info("listening", "addr", addr, "tls", tlsConf != nil, "http3", g.h3 != nil)

	var err error
	if tlsConf != nil {
		err = g.http.ServeTLS(g.listener, "", "")
	} else {
		err = g.http.Serve(g.listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("gate stopped", "addr", addr, "error", err)
	}
}

func (s *Server) shutdown(ctx context.Context, gates []*gate) {
	var wg sync.WaitGroup
	for _, g := range gates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.http.Shutdown(ctx); err != nil {
				s.logger.Warn("gate drain incomplete", "addr", g.bind.Address(), "error", err)
				_ = g.http.Close()
			}
		}()
		if g.h3 != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := g.h3.Shutdown(ctx); err != nil {
					s.logger.Warn("http3 drain incomplete", "addr", g.udp.LocalAddr().String(), "error", err)
					_ = g.h3.Close()
				}
				_ = g.udp.Close()
			}()
		}
	}

	s.mu.Lock()
	hooks := append([]func(context.Context) error(nil), s.onShutdown...)
	s.mu.Unlock()
	for _, f := range hooks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil {
				s.logger.Warn("shutdown hook failed", "error", err)
			}
		}()
	}
	wg.Wait()
}

func (s *Server) tlsConfig() *tls.Config {
	conf := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
	if s.opts.TLS.RequestClientCert {
		conf.ClientAuth = tls.RequestClientCert
	}
	return conf
}

func (g *gate) close() {
	_ = g.listener.Close()
	if g.udp != nil {
		_ = g.udp.Close()
	}
}

// altSvc advertises the HTTP/3 endpoint on every TCP response.
func altSvc(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}
