// Package app wires the server process: initial load, listeners, hot reload,
// metrics endpoint and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/config"
	"github.com/fabian4/edge-homebrew-go/internal/forward"
	"github.com/fabian4/edge-homebrew-go/internal/handler"
	"github.com/fabian4/edge-homebrew-go/internal/logging"
	"github.com/fabian4/edge-homebrew-go/internal/metrics"
	"github.com/fabian4/edge-homebrew-go/internal/proxy"
	"github.com/fabian4/edge-homebrew-go/internal/ratelimit"
	"github.com/fabian4/edge-homebrew-go/internal/router"
	"github.com/fabian4/edge-homebrew-go/internal/script"
	"github.com/fabian4/edge-homebrew-go/internal/supervisor"
	"github.com/fabian4/edge-homebrew-go/internal/version"
	"github.com/fabian4/edge-homebrew-go/internal/watcher"
)

type Options struct {
	ConfigPath string
	Scripts    script.Engine // optional
	Supervisor supervisor.Options
	// Source overrides the fsnotify watcher source.
	Source watcher.Source
	// ShutdownTimeout bounds the final drain; supervisor.DefaultGrace when zero.
	ShutdownTimeout time.Duration
}

// App is one running server process.
type App struct {
	opts       Options
	cfg        *config.Config
	log        *logging.Logger
	metrics    *metrics.Registry
	store      *router.Store
	limiter    *ratelimit.Limiter
	transports *forward.Registry
	sup        *supervisor.Supervisor
	metricsSrv *http.Server
	metricsLn  net.Listener
	metricsCfg string // metrics_listen the endpoint was started with
}

// New loads the configuration and builds the first generation. Any failure
// here is fatal for the process.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	lg, err := logging.New(logging.Options{Level: cfg.LogLevel, Folder: cfg.LogFolder})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(lg.Logger)

	tbl, err := router.Build(cfg, 0)
	if err != nil {
		_ = lg.Close()
		return nil, fmt.Errorf("config %s: %w", opts.ConfigPath, err)
	}

	a := &App{
		opts:       opts,
		cfg:        cfg,
		log:        lg,
		metrics:    metrics.NewRegistry(),
		store:      router.NewStore(tbl),
		limiter:    ratelimit.NewLimiter(),
		transports: forward.NewDefaultRegistry(),
	}
	deps := handler.Deps{
		Store:   a.store,
		Engine:  proxy.NewEngine(a.transports, a.metrics),
		Limiter: a.limiter,
		Metrics: a.metrics,
		Scripts: opts.Scripts,
	}
	a.sup = supervisor.New(func(bind string) http.Handler {
		return handler.New(bind, deps)
	}, opts.Supervisor, a.metrics)
	a.metrics.SetGeneration(tbl.ID)
	return a, nil
}

// Store exposes the routing snapshot handle.
func (a *App) Store() *router.Store { return a.store }

func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// MetricsAddr is the bound metrics address, nil when disabled.
func (a *App) MetricsAddr() net.Addr {
	if a.metricsLn == nil {
		return nil
	}
	return a.metricsLn.Addr()
}

// Run serves until ctx is done, then drains and returns. Errors binding the
// initial listeners are returned immediately.
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.log.Close() }()

	tbl := a.store.Load()
	if err := a.sup.Start(tbl); err != nil {
		return err
	}
	if err := a.startMetrics(); err != nil {
		a.shutdown()
		return err
	}
	slog.Info("edge server started",
		"version", version.String(),
		"config", a.opts.ConfigPath,
		"generation", tbl.ID,
		"listeners", len(tbl.Binds()),
		"upstreams", len(tbl.Upstreams),
	)

	src := a.opts.Source
	if src == nil {
		fs, err := watcher.NewFSSource(a.opts.ConfigPath)
		if err != nil {
			a.shutdown()
			return err
		}
		src = fs
	}
	defer func() { _ = src.Close() }()

	wctx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	w := watcher.New(a.opts.ConfigPath, watcher.OptionsFrom(a.cfg.Watcher), src, config.Load, a)
	go func() {
		defer close(watchDone)
		if err := w.Run(wctx); err != nil {
			slog.Error("config watcher exited, hot reload disabled", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	stopWatch()
	<-watchDone
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	timeout := a.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = supervisor.DefaultGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if err := a.sup.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	a.transports.CloseIdle()
	slog.Info("edge server stopped")
}

func (a *App) startMetrics() error {
	if a.cfg.MetricsListen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", a.cfg.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsLn = ln
	a.metricsCfg = a.cfg.MetricsListen
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: supervisor.DefaultReadHeaderTimeout}
	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("metrics endpoint started", "addr", ln.Addr().String())
	return nil
}

// Validate builds the next generation from cfg.
func (a *App) Validate(cfg *config.Config) (*router.Table, error) {
	return router.Build(cfg, a.store.Load().ID)
}

// Apply reconciles listeners and publishes t. It fails only when t was not
// published; a listener lost after publishing is counted as degraded.
func (a *App) Apply(cfg *config.Config, t *router.Table) error {
	old := a.store.Load()
	err := a.sup.Reconcile(old, t, func() { a.store.Publish(t) })
	if a.store.Load() != t {
		return err
	}
	// published, even if a replaced listener could not be re-bound
	a.cfg = cfg
	a.metrics.SetGeneration(t.ID)
	a.limiter.DropBefore(t.ID)
	a.transports.CloseIdle()
	if lerr := a.log.SetLevel(cfg.LogLevel); lerr != nil {
		slog.Warn("log level unchanged", "error", lerr)
	}
	if cfg.MetricsListen != a.metricsCfg {
		slog.Warn("metrics_listen changes take effect on restart", "current", a.metricsCfg, "configured", cfg.MetricsListen)
	}
	if err != nil {
		slog.Warn("generation published with listeners missing", "generation", t.ID, "error", err)
		a.metrics.IncReload(metrics.ReloadDegraded)
		return nil
	}
	a.metrics.IncReload(metrics.ReloadApplied)
	return nil
}

// Rejected records a reload that kept the running generation.
func (a *App) Rejected(err error) {
	var ce *router.ConfigError
	if errors.As(err, &ce) {
		a.metrics.IncReload(metrics.ReloadRejected)
		return
	}
	a.metrics.IncReload(metrics.ReloadFailed)
}
