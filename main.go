package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cnulatienpo/run-sub001/internal/audit"
	"github.com/cnulatienpo/run-sub001/internal/config"
	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/httpapi"
	"github.com/cnulatienpo/run-sub001/internal/relay"
	"github.com/cnulatienpo/run-sub001/internal/store"
	"github.com/cnulatienpo/run-sub001/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := flags.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if handled, err := RunCLI(ctx, flag.Args(), cfg, os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting relay", "version", Version, "addr", cfg.Server.ListenAddr(), "ghosts", cfg.Storage.GhostsDir, "db", cfg.Storage.DB)

	a, err := newApp(ctx, cfg, prometheus.NewRegistry())
	if err != nil {
		slog.Error("initialize relay", "err", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// app is the composed relay process.
type app struct {
	cfg      config.Config
	registry *relay.Registry
	api      *httpapi.Server
	index    *store.Store
}

func newApp(ctx context.Context, cfg config.Config, promReg *prometheus.Registry) (*app, error) {
	ghosts, err := ghost.NewStore(cfg.Storage.GhostsDir)
	if err != nil {
		return nil, err
	}
	fileAudit, err := audit.NewFileLogger(cfg.Storage.LogsDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	auditLog := audit.Multi{fileAudit}
	flushOpts := []ghost.FlusherOption{}
	apiOpts := []httpapi.Option{httpapi.WithGhosts(ghosts), httpapi.WithMetrics(promReg)}

	if cfg.Storage.DB != "" {
		a.index, err = store.Open(cfg.Storage.DB)
		if err != nil {
			return nil, err
		}
		auditLog = append(auditLog, a.index)
		flushOpts = append(flushOpts, ghost.WithIndex(a.index))
		apiOpts = append(apiOpts, httpapi.WithIndex(a.index), httpapi.WithAudit(a.index))
	}
	flushOpts = append(flushOpts, ghost.WithAudit(auditLog))

	if cfg.Mirror.Enabled() {
		mirror, err := ghost.NewS3Mirror(ctx, cfg.Mirror.S3())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("ghost mirror: %w", err)
		}
		flushOpts = append(flushOpts, ghost.WithMirror(mirror))
		slog.Info("ghost mirror enabled", "endpoint", cfg.Mirror.Endpoint, "bucket", cfg.Mirror.Bucket)
	}

	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.RelayOptions()
	opts.Flusher = ghost.NewFlusher(ghosts, flushOpts...)
	opts.Metrics = relay.NewMetrics(promReg)
	a.registry = relay.NewRegistry(opts)
	a.api = httpapi.New(a.registry, apiOpts...)
	return a, nil
}

// run serves until ctx is canceled, then closes every room so open
// recordings are flushed before returning.
func (a *app) run(ctx context.Context) error {
	if a.cfg.Relay.StatsInterval > 0 {
		go relay.RunMetrics(ctx, a.registry, a.cfg.Relay.StatsInterval)
	}

	if a.cfg.Server.WTAddr != "" {
		cert, err := wt.NewCertificate(a.cfg.Server.WTHostname, a.cfg.Server.CertTTL)
		if err != nil {
			return fmt.Errorf("generate webtransport certificate: %w", err)
		}
		go func() {
			if err := wt.NewServer(a.cfg.Server.WTAddr, cert, a.registry).Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("webtransport server error", "err", err)
			}
		}()
	}

	runErr := a.api.Run(ctx, a.cfg.Server.ListenAddr())

	slog.Info("closing rooms")
	shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Relay.FlushTimeout+5*time.Second)
	defer cancel()
	if err := a.registry.Shutdown(shutCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown relay: %w", err))
	}
	return runErr
}

func (a *app) close() {
	if a.index == nil {
		return
	}
	if err := a.index.Close(); err != nil {
		slog.Error("close sqlite store", "err", err)
	}
}
