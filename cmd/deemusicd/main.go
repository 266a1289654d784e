// Command deemusicd is the headless daemon entrypoint: it wires every
// collaborator package together and runs the worker pool until a
// shutdown signal arrives. Grounded on the teacher's main.go bootstrap
// shape (construct collaborators, then block), but stripped of the
// Wails application.New/webview chrome entirely, since the desktop
// shell is out of scope (spec.md §1) and this binary has no UI at all.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deemusic/core/internal/apppaths"
	"github.com/deemusic/core/internal/breaker"
	"github.com/deemusic/core/internal/bus"
	"github.com/deemusic/core/internal/config"
	"github.com/deemusic/core/internal/logger"
	"github.com/deemusic/core/internal/metadata"
	"github.com/deemusic/core/internal/metrics"
	"github.com/deemusic/core/internal/pipeline"
	"github.com/deemusic/core/internal/ratelimit"
	"github.com/deemusic/core/internal/scheduler"
	"github.com/deemusic/core/internal/service"
	"github.com/deemusic/core/internal/storage"
	"github.com/deemusic/core/internal/workerpool"
)

// newProvider is the module's one external wiring point for a
// MetadataProvider implementation (spec.md's private API client is
// explicitly out of scope; this repo ships no concrete provider). A
// downstream build that vendors a real provider replaces this variable
// via its own main package or an init() in a blank import; left nil,
// the daemon refuses to start rather than run against nothing.
var newProvider func(cfg *config.Config) (metadata.Provider, error)

// metricsAddr is the listen address for the Prometheus /metrics
// endpoint. Empty disables it.
var metricsAddr = os.Getenv("DEEMUSICD_METRICS_ADDR")

func main() {
	paths, err := apppaths.Resolve()
	if err != nil {
		fatal("resolve app paths", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		fatal("create app directories", err)
	}

	if err := logger.Init(paths.AppData); err != nil {
		fatal("init logger", err)
	}
	logger.Log.Info().Str("appData", paths.AppData).Msg("deemusicd starting")

	cfg, err := config.Load(paths.AppData)
	if err != nil {
		fatal("load config", err)
	}

	if newProvider == nil {
		logger.Log.Fatal().Msg("no metadata provider wired into this build; deemusicd cannot resolve or expand anything")
	}
	rawProvider, err := newProvider(cfg)
	if err != nil {
		fatal("construct metadata provider", err)
	}
	provider := breaker.New(rawProvider, breaker.DefaultConfig())

	db, err := storage.New(paths.AppData)
	if err != nil {
		fatal("open storage", err)
	}
	defer db.Close()
	jobs := storage.NewJobRepository(db)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	b := bus.New()

	limiter := ratelimit.NewPerEndpointLimiter(ratelimit.StrictConfig())

	pl := pipeline.New(provider, jobs, limiter, m, b, func() string { return paths.Temp }, func() config.Config { return cfg.Get() })

	perParentCap := func() int { return cfg.Get().Download.ConcurrentDownloads }
	sched := scheduler.New(jobs, b, m, perParentCap)

	pool := workerpool.New(sched, pl, cfg.Get().Download.ConcurrentDownloads)

	svc := service.New(jobs, sched, b, provider, cfg)
	_ = svc // exposed to whatever control-surface transport a downstream build wires in (RPC, CLI, embedding package); this daemon itself speaks no control protocol.

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	}

	logger.Log.Info().Int("concurrency", pool.Concurrency).Msg("worker pool starting")
	runErr := make(chan error, 1)
	go func() { runErr <- pool.Run(ctx) }()

	<-ctx.Done()
	logger.Log.Info().Msg("shutdown signal received, draining in-flight jobs")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if err := <-runErr; err != nil {
		logger.Log.Warn().Err(err).Msg("worker pool exited with error")
	}
	logger.Log.Info().Msg("deemusicd stopped")
}

// fatal reports a startup failure and exits. It writes to stderr
// directly rather than through logger.Log since every call site here
// runs before (or because) logger.Init could not be completed.
func fatal(action string, err error) {
	os.Stderr.WriteString("deemusicd: " + action + ": " + err.Error() + "\n")
	os.Exit(1)
}
