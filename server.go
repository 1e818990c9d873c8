package editd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/editd/internal/clock"
	"pkt.systems/editd/internal/core"
	"pkt.systems/editd/internal/httpapi"
	"pkt.systems/editd/internal/identity"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the edit-session service, and its stores.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	service      *core.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	registry     *prometheus.Registry
	metricsSrv   *http.Server
	metricsLn    net.Listener
	closeStores  func() error
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Journal  journal.Store
	Engine   storage.Engine
	Identity identity.Provider
	Registry *prometheus.Registry
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithStores injects pre-built journal and engine stores, bypassing the
// cfg.Store factory. The caller keeps ownership and must close them.
func WithStores(j journal.Store, e storage.Engine) Option {
	return func(o *options) {
		o.Journal = j
		o.Engine = e
	}
}

// WithIdentityProvider overrides the identity provider derived from cfg.
func WithIdentityProvider(p identity.Provider) Option {
	return func(o *options) {
		o.Identity = p
	}
}

// WithMetricsRegistry supplies the Prometheus registry used for service
// metrics and the /metrics endpoint.
func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(o *options) {
		o.Registry = r
	}
}

// NewServer constructs an editd server according to cfg.
// Example:
//
//	cfg := editd.Config{Store: "mem://", Listen: ":9741"}
//	srv, err := editd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	journalStore := o.Journal
	engine := o.Engine
	var closeStores func() error
	if journalStore == nil || engine == nil {
		j, e, closer, err := openStores(cfg)
		if err != nil {
			return nil, err
		}
		journalStore, engine, closeStores = j, e, closer
	}

	registry := o.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	provider := o.Identity
	if provider == nil {
		if cfg.JWTSecret != "" {
			provider = identity.NewJWTProvider([]byte(cfg.JWTSecret))
		} else {
			provider = identity.HeaderProvider{Header: cfg.IdentityHeader}
		}
	}

	service := core.New(core.Config{
		Journal:             journalStore,
		Engine:              engine,
		Logger:              logger,
		Clock:               serverClock,
		DefaultLease:        cfg.DefaultLease,
		MaxLease:            cfg.MaxLease,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.HistoryMaxLimit,
		Metrics:             core.NewMetrics(registry),
	})
	handler := httpapi.New(httpapi.Config{
		Core:     service,
		Identity: provider,
		Logger:   logger,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:         cfg,
		logger:      logger.With("sys", "server"),
		clock:       serverClock,
		service:     service,
		handler:     handler,
		httpSrv:     httpSrv,
		registry:    registry,
		closeStores: closeStores,
		readyCh:     make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so editd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the edit-session service for embedding; dataset creation
// has no HTTP surface and goes through here.
func (s *Server) Service() *core.Service {
	return s.service
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	if err := s.startMetrics(); err != nil {
		_ = ln.Close()
		return err
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		s.metricsSrv = nil
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	if s.closeStores != nil {
		if err := s.closeStores(); err != nil {
			return err
		}
		s.closeStores = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound metrics listener address, nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if l := s.metricsLn; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startMetrics() error {
	if s.cfg.MetricsListen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	s.metricsLn = ln
	s.metricsSrv = srv
	logger := s.logger
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics.serve_error", "error", err)
		}
	}()
	s.logger.Info("metrics.enabled", "listen", ln.Addr().String())
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweepInterval
	sweeperCtx := context.Background()
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				if _, err := s.service.SweepExpired(sweeperCtx); err != nil {
					s.logger.Warn("sweeper iteration failed", "error", err)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server. It is primarily useful for diagnostics; Shutdown already
// reports any fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an editd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
