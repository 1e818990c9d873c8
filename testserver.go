package editd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/editd/internal/clock"
	"pkt.systems/editd/internal/identity"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/pslog"
)

// TestServer wraps a running editd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).LogLevel(level).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

type seedDataset struct {
	id    string
	shape storage.ColumnSet
	rows  []storage.Row
}

type testServerOptions struct {
	cfg          Config
	cfgSet       bool
	mutators     []func(*Config)
	journal      journal.Store
	engine       storage.Engine
	clock        clock.Clock
	identity     identity.Provider
	logger       pslog.Logger
	seeds        []seedDataset
	startTimeout time.Duration
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestListener overrides the listen protocol and address.
func WithTestListener(proto, address string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = proto
		cfg.Listen = address
	})
}

// WithTestStore sets the store DSN while still defaulting other values.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = store
	})
}

// WithTestStores injects pre-built journal and engine stores (shared between
// servers if desired).
func WithTestStores(j journal.Store, e storage.Engine) TestServerOption {
	return func(o *testServerOptions) {
		o.journal = j
		o.engine = e
	}
}

// WithTestClock injects a custom clock, typically clock.NewManual.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestIdentityProvider overrides the identity provider.
func WithTestIdentityProvider(p identity.Provider) TestServerOption {
	return func(o *testServerOptions) {
		o.identity = p
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at
// the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestLoggerTB uses the testing logger with Debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return WithTestLoggerFromTB(t, pslog.DebugLevel)
}

// WithTestDataset seeds a dataset into the engine once the server is running.
func WithTestDataset(id string, shape storage.ColumnSet, rows []storage.Row) TestServerOption {
	return func(o *testServerOptions) {
		o.seeds = append(o.seeds, seedDataset{id: id, shape: shape, rows: rows})
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts an editd server suitable for tests. Call Stop to clean
// up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Store:       "mem://",
			ListenProto: "tcp",
			Listen:      "127.0.0.1:0",
			// lease sweeping is driven explicitly in tests
			SweepInterval: -1,
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := options.cfg
	if !options.cfgSet {
		cfg.Store = defaultIfEmpty(cfg.Store, "mem://")
		cfg.ListenProto = defaultIfEmpty(cfg.ListenProto, "tcp")
		if cfg.Listen == "" && cfg.ListenProto != "unix" {
			cfg.Listen = "127.0.0.1:0"
		}
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	startOpts := []Option{WithLogger(logger)}
	if options.journal != nil && options.engine != nil {
		startOpts = append(startOpts, WithStores(options.journal, options.engine))
	}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}
	if options.identity != nil {
		startOpts = append(startOpts, WithIdentityProvider(options.identity))
	}

	srv, err := NewServer(cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(waitCtx, options.startTimeout)
	defer cancel()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("server exited before becoming ready")
		}
		return nil, err
	case <-waitCtx.Done():
		_ = srv.Close()
		<-errCh
		return nil, waitCtx.Err()
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
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}

	for _, seed := range options.seeds {
		if err := srv.Service().CreateDataset(context.Background(), seed.id, seed.shape, seed.rows); err != nil {
			_ = stop(context.Background())
			return nil, fmt.Errorf("seed dataset %q: %w", seed.id, err)
		}
	}

	addr := srv.ListenerAddr()
	baseURL := ""
	if addr != nil && cfg.ListenProto != "unix" {
		baseURL = "http://" + addr.String()
	}
	return &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Config:   cfg,
		stop:     stop,
	}, nil
}

// StartTestServer starts a test server and registers cleanup with t.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func defaultIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
