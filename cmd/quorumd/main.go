// Package main — cmd/quorumd/main.go
//
// quorumd disk-quorum arbitration daemon entrypoint.
//
// Startup sequence:
//  1. Flag/env parsing (-d debug, -f foreground, -Q detach, QDISK_DEBUGLOG).
//  2. Load and validate config from quorumd.yaml.
//  3. Initialise structured logger (zap).
//  4. Set real-time scheduling policy and lock memory (spec §5).
//  5. daemon.New — quorum_init steps 1-4 (open disk, scoring, NodeTable,
//     initial INIT block).
//  6. daemon.WarmUp — quorum_init step 5 (tko-tick warm-up loop).
//  7. Start Prometheus metrics server.
//  8. Register SIGHUP (hot-reload) and SIGINT/SIGTERM (shutdown) handlers.
//  9. daemon.Run — steady-state tick loop until a shutdown signal.
//
// On daemon.New failure: if cfg.Flags.StopOnLoss is set, request cluster
// shutdown (or reboot if that fails) before exiting 1 (spec §6 "On fatal
// init failure with stop_cman flag").
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"quorumd/internal/config"
	"quorumd/internal/daemon"
	"quorumd/internal/observability"
	"quorumd/internal/sysutil"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/quorumd/quorumd.yaml", "Path to quorumd.yaml")
	debug := flag.Bool("d", false, "Enable debug logging and disable self-reboot paths")
	foreground := flag.Bool("f", false, "Run in the foreground (do not detach)")
	quiet := flag.Bool("Q", false, "Detach stdin/stdout/stderr to /dev/null")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("quorumd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if os.Getenv("QDISK_DEBUGLOG") == "1" {
		*debug = true
	}

	if *quiet {
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err == nil {
			os.Stdin = devnull
			os.Stdout = devnull
			os.Stderr = devnull
		}
	}

	// ── Step 2: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Flags.Debug = true
	}

	// ── Step 3: Logger ───────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.Flags.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("quorumd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.Int("node_id", cfg.MyID),
		zap.String("config", *configPath),
		zap.Bool("foreground", *foreground),
		zap.Bool("debug", cfg.Flags.Debug),
	)

	// ── Step 4: Real-time scheduling + memory lock ───────────────────────
	if err := sysutil.SetScheduler(sysutil.Scheduler(cfg.Scheduler), cfg.Priority); err != nil {
		log.Warn("quorumd: failed to set real-time scheduler, continuing at default priority", zap.Error(err))
	}
	if err := sysutil.LockMemory(); err != nil {
		log.Warn("quorumd: mlockall failed, continuing with swappable memory", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	// ── Step 5-6: quorum_init ─────────────────────────────────────────────
	d, err := daemon.New(cfg, log, metrics)
	if err != nil {
		log.Error("quorumd: initialization failed", zap.Error(err))
		if cfg.Flags.StopOnLoss {
			if serr := daemon.Shutdown(cfg, log); serr != nil {
				log.Error("quorumd: fatal-init cluster shutdown request also failed", zap.Error(serr))
			}
		}
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.WarmUp(ctx); err != nil {
		log.Error("quorumd: warm-up failed", zap.Error(err))
		os.Exit(1)
	}

	// ── Step 7: Metrics server ───────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("quorumd: metrics server error", zap.Error(err))
		}
	}()
	log.Info("quorumd: metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 8: Signal handlers ───────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("quorumd: SIGHUP received, reloading config")
			next, err := config.Load(*configPath)
			if err != nil {
				log.Error("quorumd: config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			d.RequestReload(next)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("quorumd: shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ── Step 9: Steady-state loop ─────────────────────────────────────────
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Error("quorumd: run loop exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("quorumd: shutdown complete")
}

func buildLogger(level, format string, debug bool) (*zap.Logger, error) {
	if debug {
		level = "debug"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
