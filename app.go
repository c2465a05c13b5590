package databench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/databench/internal/config"
	"github.com/aretw0/databench/internal/logging"
	httpadapter "github.com/aretw0/databench/pkg/adapters/http"
	"github.com/aretw0/databench/pkg/adapters/memory"
	"github.com/aretw0/databench/pkg/adapters/process"
	"github.com/aretw0/databench/pkg/adapters/redis"
	"github.com/aretw0/databench/pkg/analysis"
	"github.com/aretw0/databench/pkg/bridge"
	"github.com/aretw0/databench/pkg/datastore"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/observability"
	"github.com/aretw0/databench/pkg/persistence/middleware"
	"github.com/aretw0/databench/pkg/ports"
	"github.com/aretw0/databench/pkg/session"
)

// ShutdownTimeout bounds the graceful part of Run's shutdown.
const ShutdownTimeout = 10 * time.Second

type localAnalysis struct {
	info        analysis.Info
	newAnalysis func() any
}

// App wires the configured Datastore backend, the session manager, the
// kernel bridge and the HTTP transport.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	backend ports.DataBackend
	store   *datastore.Store
	manager *session.Manager
	hubs    *bridge.Hubs
	runner  *process.Runner
	metrics *observability.Metrics
	handler http.Handler

	locals   []localAnalysis
	cliArgs  []string
	registry *prometheus.Registry
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithAnalysis offers an in-process analysis. newAnalysis is called once per
// session.
func WithAnalysis(info analysis.Info, newAnalysis func() any) Option {
	return func(a *App) {
		a.locals = append(a.locals, localAnalysis{info: info, newAnalysis: newAnalysis})
	}
}

// WithCLIArgs sets the "cli_args" every session receives.
func WithCLIArgs(args []string) Option {
	return func(a *App) {
		a.cliArgs = args
	}
}

// WithBackend replaces the backend selected by the configuration.
func WithBackend(backend ports.DataBackend) Option {
	return func(a *App) {
		a.backend = backend
	}
}

// WithMetricsRegistry registers the metrics with reg instead of a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}

// New builds an App from cfg. A redis backend is pinged before New returns.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.backend == nil {
		backend, err := openBackend(ctx, cfg.Datastore)
		if err != nil {
			return nil, err
		}
		a.backend = backend
	}
	if enc := cfg.Datastore.Encryption; enc.Enabled() {
		active, fallback, err := enc.Keys()
		if err == nil {
			var mw middleware.Middleware
			if mw, err = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
				ActiveKey:    active,
				FallbackKeys: fallback,
			}); err == nil {
				a.backend = mw(a.backend)
			}
		}
		if err != nil {
			a.closeBackend()
			return nil, err
		}
		a.logger.Debug("Datastore encryption enabled", "fallback_keys", len(fallback))
	}
	a.store = datastore.New(
		datastore.WithBackend(a.backend),
		datastore.WithLogger(a.logger),
		datastore.WithReleaseAfter(cfg.Datastore.ReleaseAfter),
	)

	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = observability.NewMetrics(a.registry)
	hooks := a.metrics.Hooks().Merge(observability.LogHooks(a.logger))

	a.manager = session.NewManager(a.store,
		session.WithLogger(a.logger),
		session.WithHooks(hooks),
		session.WithBackendVersion(Version),
		session.WithCLIArgs(a.cliArgs),
	)
	for _, l := range a.locals {
		if err := a.manager.Register(session.Analysis{
			Info:    l.info,
			Factory: session.LocalFactory(l.newAnalysis),
		}); err != nil {
			a.closeBackend()
			return nil, err
		}
	}

	a.hubs = bridge.NewHubs(
		bridge.WithPortRange(cfg.Kernel.PortMin, cfg.Kernel.PortMax),
		bridge.WithHubLogger(a.logger),
	)
	a.runner = process.NewRunner(process.WithLogger(a.logger))
	if err := a.registerKernels(hooks); err != nil {
		a.closeBackend()
		return nil, err
	}

	a.handler = httpadapter.NewHandler(a.manager,
		httpadapter.WithPingInterval(cfg.PingInterval),
		httpadapter.WithVersion(Version),
		httpadapter.WithMetrics(a.metrics.Handler()),
		httpadapter.WithLogger(a.logger),
	)
	return a, nil
}

func openBackend(ctx context.Context, cfg config.DatastoreConfig) (ports.DataBackend, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return memory.NewStore(), nil
	case config.BackendRedis:
		store := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.WithPrefix(cfg.Redis.Prefix))
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown datastore backend %q", cfg.Backend)
	}
}

func (a *App) registerKernels(hooks domain.LifecycleHooks) error {
	for _, entry := range a.cfg.Analyses {
		pc := process.ProcessConfig{
			Name:        entry.Name,
			Command:     entry.Kernel.Command,
			Args:        entry.Kernel.Args,
			Environment: entry.Kernel.Env,
			Description: entry.Description,
		}
		// Sessions fail at launch instead; the server still starts.
		if _, err := pc.Resolve(); err != nil {
			a.logger.Warn("Kernel command not found", "analysis", entry.Name, "err", err)
		}
		a.runner.RegisterProcess(pc.Name, process.RegisteredProcess{
			Command: pc.Command,
			Args:    pc.Args,
			Env:     pc.Environment,
		})
		launcher, err := a.runner.Launcher(entry.Name)
		if err != nil {
			return err
		}
		factory := bridge.NewFactory(a.hubs, entry.Name, launcher,
			bridge.WithHandshakeInterval(a.cfg.Kernel.HandshakeInterval),
			bridge.WithGracePeriod(a.cfg.Kernel.GracePeriod),
			bridge.WithTerminateTimeout(a.cfg.Kernel.TerminateTimeout),
			bridge.WithLogger(a.logger),
			bridge.WithHooks(hooks),
		)
		info := analysis.Info{
			Name:        entry.Name,
			Title:       entry.Title,
			Description: entry.Description,
			Thumbnail:   entry.Thumbnail,
			Version:     entry.Version,
			ShowInIndex: true,
			Kernel:      true,
		}
		if err := a.manager.Register(session.Analysis{Info: info, Factory: factory}); err != nil {
			return err
		}
		a.logger.Debug("Kernel analysis registered", "analysis", entry.Name, "command", entry.Kernel.Command)
	}
	return nil
}

// Handler returns the HTTP handler serving every analysis.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Store returns the Datastore service.
func (a *App) Store() *datastore.Store { return a.store }

// Metrics returns the collectors fed by the lifecycle hooks.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Run listens on the configured address until ctx is cancelled, then shuts
// the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Open sessions are
// torn down before Serve returns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Serving analyses", "addr", ln.Addr().String(), "version", Version)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		err := srv.Shutdown(shutdownCtx)
		if serr := a.manager.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("sessions did not close: %w", serr))
		}
		a.logger.Info("Server stopped")
		return err
	})
	return g.Wait()
}

// Close tears down every session and releases sockets, timers and the backend.
func (a *App) Close(ctx context.Context) error {
	errs := []error{a.manager.Shutdown(ctx), a.hubs.Close(), a.store.Close()}
	if err := a.closeBackend(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeBackend() error {
	if c, ok := a.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
