// Package cli wires configuration, storage, backend, broker, loops,
// and the HTTP server into the netshared daemon.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netshare/netshare/internal/alloc"
	"github.com/netshare/netshare/internal/backend"
	"github.com/netshare/netshare/internal/broker"
	"github.com/netshare/netshare/internal/config"
	"github.com/netshare/netshare/internal/debughttp"
	ilog "github.com/netshare/netshare/internal/log"
	"github.com/netshare/netshare/internal/qualitycache"
	"github.com/netshare/netshare/internal/server"
	"github.com/netshare/netshare/internal/store/sqlite"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Run is the daemon entry point. Returns the process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) > 0 {
		switch args[0] {
		case "-h", "--help", "help":
			printUsage()
			return 0
		case "version", "-v", "--version":
			fmt.Println("netshared", Version)
			return 0
		}
	}
	return runServer(ctx, args)
}

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	// The quality cache is a soft dependency: without Redis the
	// matcher just probes every pass.
	var quality *qualitycache.Cache
	if cfg.RedisAddr != "" {
		quality, err = qualitycache.New(ctx, cfg.RedisAddr, cfg.QualityTTL)
		if err != nil {
			logger.Warn("quality cache unavailable, probing without cache", "error", err)
		} else {
			defer func() { _ = quality.Close() }()
		}
	}

	be := backend.NewHostedBackend(cfg.BackendAPIURL, cfg.BackendAPIKey, cfg.BackendApp, cfg.BackendTimeout)
	prober := backend.NewHTTPProber(cfg.InstanceDomain, cfg.ProbeTimeout)
	b := broker.New(store, be, prober, quality, alloc.New(cfg.PortMin, cfg.PortMax, store), logger,
		broker.Options{
			InstanceDomain: cfg.InstanceDomain,
			BackendTimeout: cfg.BackendTimeout,
			ProbeTimeout:   cfg.ProbeTimeout,
		})

	stopReset, err := b.StartDailyReset(cfg.ResetSchedule)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reset schedule error:", err)
		return 2
	}
	defer stopReset()

	go b.RunReconciler(ctx, cfg.ReconcileInterval, cfg.StalenessThreshold)

	if err := debughttp.Start(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	logger.Info("netshared starting", "version", Version, "db", cfg.DBPath)
	if err := server.New(cfg, b, logger).Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("netshared stopped")
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `netshared - bandwidth sharing tunnel broker

Usage:
  netshared [flags]     run the broker daemon
  netshared version     print version

Flags override NETSHARE_* environment variables (netshared --help
lists them).`)
}
