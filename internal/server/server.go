// Package server runs the remote build server: the TLS listener, the pairing
// download route and the mounted modules.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/config"
	httpmiddleware "github.com/wolfeidau/remotebuild/internal/http"
	"github.com/wolfeidau/remotebuild/internal/logger"
	"github.com/wolfeidau/remotebuild/internal/modules"
	"github.com/wolfeidau/remotebuild/internal/pairing"
	"github.com/wolfeidau/remotebuild/internal/pki"
	"golang.org/x/net/http2"
)

const (
	// maxSweepInterval bounds how long an expired pin's bundle stays on disk
	maxSweepInterval = time.Minute
	minSweepInterval = time.Second
)

// Options configures a Server beyond the file and flag configuration.
type Options struct {
	Catalog *modules.Catalog
	Logger  zerolog.Logger
	// Tracing is passed to modules so they can add tracing interceptors
	Tracing bool
	// TrustProxy makes the request logger honour X-Forwarded-For
	TrustProxy bool
}

// Server is a single remote build server instance. Start and Stop may be called
// repeatedly; each Start builds a fresh listener, pin registry and module set.
type Server struct {
	cfg     config.Config
	opts    Options
	logger  zerolog.Logger
	catalog *modules.Catalog

	// mu serializes lifecycle transitions
	mu    sync.Mutex
	state atomic.Int32

	// written during Start, read-only while running
	listener  net.Listener
	httpSrv   *http.Server
	port      int
	authority *pki.Authority
	store     *pki.CertStore
	pins      *pairing.Registry
	mounted   []*modules.Mounted
	served    chan struct{}
	serveErr  chan error
}

// New creates a stopped server.
func New(cfg config.Config, opts Options) *Server {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = modules.NewCatalog()
	}

	return &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "server").Logger(),
		catalog: catalog,
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Start brings the server to Running. It returns only once every route is
// served, or fails with every acquired resource released and the server Stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStopped {
		return ErrAlreadyStarted
	}
	s.setState(StateStarting)

	if err := s.start(ctx); err != nil {
		if unwindErr := s.teardown(ctx); unwindErr != nil {
			s.logger.Warn().Err(unwindErr).Msg("Errors while unwinding failed start")
		}
		s.setState(StateStopped)
		return err
	}

	return nil
}

func (s *Server) start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := modules.CheckMounts(s.cfg.Modules); err != nil {
		return err
	}

	if err := os.MkdirAll(s.cfg.ServerDir, 0700); err != nil {
		return fmt.Errorf("failed to create server directory: %w", err)
	}

	if s.cfg.Secure {
		if err := s.startPairing(); err != nil {
			return err
		}
	}

	if err := s.listen(); err != nil {
		return err
	}

	mounted, err := modules.LoadAll(ctx, s.catalog, s.moduleServerConfig(), s.cfg.Modules, modules.Capabilities{
		CertStore: s.store,
		Logger:    s.opts.Logger,
		Tracing:   s.opts.Tracing,
	})
	if err != nil {
		return err
	}
	s.mounted = mounted

	s.httpSrv = newHTTPServer(s.handler())
	if s.cfg.Secure {
		s.httpSrv.TLSConfig = s.store.TLSConfig()
		if err := http2.ConfigureServer(s.httpSrv, &http2.Server{}); err != nil {
			return fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
		s.listener = tls.NewListener(s.listener, s.httpSrv.TLSConfig)
	}

	s.setState(StateRunning)

	s.served = make(chan struct{})
	s.serveErr = make(chan error, 1)
	go s.serve(s.httpSrv, s.listener)

	s.logger.Info().
		Int("port", s.port).
		Bool("secure", s.cfg.Secure).
		Int("modules", len(s.mounted)).
		Msg("Server started")

	return nil
}

func (s *Server) startPairing() error {
	s.authority = pki.NewAuthority(s.cfg.ServerDir, s.cfg.Hostname, s.opts.Logger)

	store, err := s.authority.Ensure()
	if err != nil {
		return err
	}
	s.store = store

	pins, err := pairing.NewRegistry(s.authority, pairing.Options{
		Dir:           s.authority.Paths().ClientDir,
		Timeout:       s.cfg.PinTTL(),
		ClientCertTTL: s.cfg.ClientCertLifetime(),
		Logger:        s.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create pin registry: %w", err)
	}
	s.pins = pins

	if _, err := pins.Issue(0); err != nil {
		return fmt.Errorf("failed to issue pairing pin: %w", err)
	}

	pins.StartSweeper(sweepInterval(s.cfg.PinTTL()))

	return nil
}

func (s *Server) listen() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return &PortInUseError{Port: s.cfg.Port, Err: err}
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	defer close(s.served)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("Server stopped serving")
		s.serveErr <- err
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleLiveness)

	if s.pins != nil {
		mux.Handle(pairing.DownloadPattern, s.pins.Handler())
	}

	for _, m := range s.mounted {
		prefix := m.Prefix()
		mux.Handle(prefix+"/", http.StripPrefix(prefix, gzhttp.GzipHandler(m.Router)))
	}

	requests := logger.HTTPRequests(s.opts.Logger, redactPin)
	clientIP := httpmiddleware.ClientIPMiddleware(s.opts.TrustProxy)

	return clientIP(requests(mux))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.State() != StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Stop shuts down the modules, releases the port and discards any live pin.
// Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopped {
		return nil
	}
	s.setState(StateStopping)

	err := s.teardown(ctx)
	s.setState(StateStopped)

	s.logger.Info().Msg("Server stopped")

	return err
}

// teardown releases whatever start acquired, in reverse. Module shutdown
// failures are logged but do not fail the stop.
func (s *Server) teardown(ctx context.Context) error {
	var result *multierror.Error

	if len(s.mounted) > 0 {
		_ = modules.ShutdownAll(ctx, s.mounted, s.cfg.ModuleShutdownTimeout, s.logger)
		s.mounted = nil
	}

	if s.httpSrv != nil {
		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout())
		err := s.httpSrv.Shutdown(drainCtx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Graceful shutdown interrupted, closing connections")
			if closeErr := s.httpSrv.Close(); closeErr != nil {
				result = multierror.Append(result, closeErr)
			}
		}
	}

	// Shutdown closes the listener only once Serve is tracking it
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("failed to close listener: %w", err))
		}
	}

	if s.served != nil {
		<-s.served
	}

	if s.pins != nil {
		if err := s.pins.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.listener, s.httpSrv, s.served, s.serveErr = nil, nil, nil, nil
	s.pins, s.store, s.authority = nil, nil, nil
	s.port = 0

	return result.ErrorOrNil()
}

// Port returns the bound port, or 0 when not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// CertStore returns the CA and server material, or nil outside secure mode.
func (s *Server) CertStore() *pki.CertStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Errors reports a listener failure after Start returned. It is nil when the
// server is stopped.
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// LivePin returns the pin that can currently be redeemed, without its bundle.
func (s *Server) LivePin() (pairing.Pin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pins == nil {
		return pairing.Pin{}, false
	}
	return s.pins.Live()
}

// IssuePin replaces the live pin with a new one.
func (s *Server) IssuePin(ctx context.Context) (pairing.Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return pairing.Pin{}, ErrNotRunning
	}
	if s.pins == nil {
		return pairing.Pin{}, ErrNotSecure
	}

	pin, err := s.pins.Issue(0)
	if err != nil {
		return pairing.Pin{}, err
	}
	pin.Bundle = nil

	return pin, nil
}

func (s *Server) moduleServerConfig() modules.ServerConfig {
	return modules.ServerConfig{
		ServerDir: s.cfg.ServerDir,
		Port:      s.port,
		Secure:    s.cfg.Secure,
		Lang:      s.cfg.Lang,
		Hostname:  s.cfg.Hostname,
	}
}

// drainTimeout bounds how long Stop waits for in-flight requests.
func (s *Server) drainTimeout() time.Duration {
	if s.cfg.ModuleShutdownTimeout > 0 {
		return s.cfg.ModuleShutdownTimeout
	}
	return modules.DefaultShutdownTimeout
}

func redactPin(path string) string {
	if strings.HasPrefix(path, "/certs/") {
		return "/certs/{pin}"
	}
	return path
}

func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, minSweepInterval), maxSweepInterval)
}

func newHTTPServer(handler http.Handler) *http.Server {
	// no read or write timeout, module requests may run for the length of a build
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
