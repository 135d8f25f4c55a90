// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ManuGH/mediad/internal/api"
	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/config"
	"github.com/ManuGH/mediad/internal/coverage"
	"github.com/ManuGH/mediad/internal/events"
	"github.com/ManuGH/mediad/internal/jobs"
	"github.com/ManuGH/mediad/internal/library"
	mdlog "github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/orphan"
	"github.com/ManuGH/mediad/internal/telemetry"
	"github.com/ManuGH/mediad/internal/worker"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if *configPath != "" {
		_ = os.Setenv("MEDIAD_CONFIG", *configPath)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mediad:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	mdlog.Configure(mdlog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "mediad",
		Version: version,
	})
	logger := mdlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	rootAbs, err := filepath.Abs(cfg.LibraryRoot)
	if err != nil {
		return fmt.Errorf("resolve library root: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "mediad",
		ServiceVersion: version,
		ExporterType:   cfg.Telemetry.Protocol,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// Artifact plumbing.
	resolver := artifact.NewResolver(rootAbs)
	probe := artifact.NewProbe(resolver, artifact.DefaultStaleTolerance)
	statusCache, err := artifact.NewStatusCache(cfg.Cache.Backend, cfg.Cache.RedisAddr, cfg.Cache.TTL)
	if err != nil {
		return err
	}
	defer func() { _ = statusCache.Close() }()
	cachedProbe := artifact.NewCachedProbe(probe, statusCache)

	// Workers.
	registry := worker.NewRegistry()
	runner := worker.NewFFmpegRunner(cfg.Tools.FFmpeg, cfg.Tools.FFprobe, mdlog.WithComponent("worker.ffmpeg"))
	backends := worker.BackendConfig{
		SubtitleBin:   cfg.Tools.SubtitleBin,
		SubtitleModel: cfg.Tools.SubtitleModel,
		FaceBin:       cfg.Tools.FaceBin,
	}
	if err := worker.RegisterDefaults(registry, runner, backends); err != nil {
		return fmt.Errorf("register workers: %w", err)
	}

	// Library index.
	libStore, err := library.NewStore(cfg.LibraryDBPath())
	if err != nil {
		return fmt.Errorf("open library index: %w", err)
	}
	defer func() { _ = libStore.Close() }()
	scanner := library.NewScanner(libStore, rootAbs)
	libSvc := library.NewService(libStore, scanner)
	if _, err := libSvc.Rescan(ctx); err != nil {
		return fmt.Errorf("initial library scan: %w", err)
	}

	// Jobs.
	bus := events.NewBus(events.DefaultQueueSize)
	store := jobs.NewStore()
	if err := store.Load(cfg.JobSnapshotPath(), jobs.DefaultRetention); err != nil {
		logger.Warn().Err(err).Msg("job snapshot restore failed, starting empty")
	}
	sched := jobs.NewScheduler(jobs.Config{
		GlobalMax:    cfg.Scheduler.GlobalMax,
		ToolCaps:     cfg.ToolCaps(),
		ToolTimeouts: cfg.ToolTimeouts(),
		CancelGrace:  cfg.Scheduler.CancelGrace,
		StartPaused:  cfg.Scheduler.StartPaused,
	}, store, registry, resolver, bus)
	if err := sched.LoadConfig(cfg.SchedulerConfigPath()); err != nil {
		logger.Warn().Err(err).Msg("scheduler config restore failed, using defaults")
	}
	sched.Start()
	planner := jobs.NewPlanner(resolver, probe, cachedProbe, registry, store, sched, libSvc)

	// Coverage.
	agg := coverage.New(cachedProbe, libSvc, store, cfg.Cache.TTL)
	go agg.Run(ctx, bus)

	// Filesystem watcher.
	if cfg.WatchFS {
		watcher, err := library.NewWatcher(libStore, rootAbs, cachedProbe)
		if err != nil {
			logger.Warn().Err(err).Msg("filesystem watcher unavailable")
		} else {
			go watcher.Run(ctx)
		}
	}

	srv := api.NewServer(api.Options{
		Resolver:      resolver,
		Probe:         cachedProbe,
		Store:         store,
		Scheduler:     sched,
		Planner:       planner,
		Bus:           bus,
		Coverage:      agg,
		OrphanScanner: orphan.NewScanner(resolver),
		Repairer:      orphan.NewRepairer(resolver),
		Library:       libSvc,
		RatePerMinute: cfg.RatePerMinute,
		TracingService: func() string {
			if cfg.Telemetry.Enabled {
				return "mediad"
			}
			return ""
		}(),
		Version: version,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Str("root", rootAbs).Msg("mediad listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler drain incomplete")
	}
	if err := store.Save(cfg.JobSnapshotPath()); err != nil {
		logger.Error().Err(err).Msg("job snapshot save failed")
	}
	if err := sched.SaveConfig(cfg.SchedulerConfigPath()); err != nil {
		logger.Error().Err(err).Msg("scheduler config save failed")
	}
	logger.Info().Msg("bye")
	return nil
}
