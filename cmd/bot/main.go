// Command bot runs the position and order lifecycle engine: the periodic
// reconciliation sweep, the optional account-stream event path, and the
// read-only dashboard.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
	"github.com/halpertlabs/spreadkeeper/internal/config"
	"github.com/halpertlabs/spreadkeeper/internal/dashboard"
	"github.com/halpertlabs/spreadkeeper/internal/events"
	"github.com/halpertlabs/spreadkeeper/internal/orders"
	"github.com/halpertlabs/spreadkeeper/internal/reconcile"
	"github.com/halpertlabs/spreadkeeper/internal/storage"
)

func main() {
	var (
		configPath string
		once       bool
		dryRun     bool
		verbose    bool
		scopeUser  string
		scopePos   string
		scopeSym   string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run one reconciliation sweep and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	flag.BoolVar(&verbose, "verbose", false, "Force debug logging")
	flag.StringVar(&scopeUser, "user", "", "Restrict the run to one user id")
	flag.StringVar(&scopePos, "position", "", "Restrict the run to one position id")
	flag.StringVar(&scopeSym, "symbol", "", "Restrict the run to one underlying")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	logger.WithFields(logrus.Fields{
		"mode":    cfg.Environment.Mode,
		"storage": cfg.Storage.Path,
	}).Info("Starting lifecycle engine")

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}

	baseURL := cfg.Broker.BaseURL
	if baseURL == "" && cfg.IsSandbox() {
		baseURL = broker.SandboxBaseURL
	}
	factory := broker.NewTokenSessionFactory(baseURL, cfg.Broker.SessionToken, logger)

	opts := reconcile.Options{
		DaysBack:                cfg.DaysBack(),
		DryRun:                  dryRun || cfg.Reconcile.DryRun,
		CancelOrphanedOrders:    cfg.Reconcile.CancelOrphanedOrders,
		ReplaceCancelledTargets: cfg.Reconcile.ReplaceCancelledTargets,
		Scope: reconcile.Scope{
			UserID:     scopeUser,
			PositionID: scopePos,
			Symbol:     scopeSym,
		},
	}
	placer := orders.NewExecutor(logger, opts.DryRun)
	orch := reconcile.NewOrchestrator(store, factory, placer, logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping")
		cancel()
	}()

	if once {
		report, err := orch.Run(ctx)
		if err != nil {
			logger.Fatalf("Reconciliation run failed: %v", err)
		}
		if !report.Success {
			logger.Warn("Reconciliation completed with errors")
			os.Exit(1)
		}
		return
	}

	var srv *dashboard.Server
	if cfg.Dashboard.Enabled {
		srv = dashboard.NewServer(cfg.Dashboard.Port, store, orch, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.WithError(err).Warn("Dashboard server stopped")
			}
		}()
	}

	if cfg.Streaming.Enabled {
		startStreaming(ctx, cfg, store, factory, placer, logger)
	}

	runLoop(ctx, orch, cfg.RunInterval(), logger)

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Dashboard shutdown failed")
		}
	}
	logger.Info("Engine stopped")
}

// runLoop sweeps immediately, then on every tick until the context ends.
func runLoop(ctx context.Context, orch *reconcile.Orchestrator, interval time.Duration, logger *logrus.Logger) {
	sweep := func() {
		if _, err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Reconciliation run failed")
		}
	}
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// startStreaming wires the account websocket to the event processor and
// subscribes every active account.
func startStreaming(
	ctx context.Context,
	cfg *config.Config,
	store storage.Interface,
	factory broker.SessionFactory,
	placer orders.Placer,
	logger *logrus.Logger,
) {
	stream := broker.NewAccountStream(cfg.Streaming.URL, cfg.Broker.SessionToken, logger)
	rec := reconcile.NewReconciler(store, placer, logger, reconcile.Options{DaysBack: cfg.DaysBack()})
	processor := events.NewProcessor(store, factory, placer, rec, logger)

	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Account stream terminated")
		}
	}()
	go processor.Run(ctx, stream.OrderEvents())

	go func() {
		// Subscription needs the connection up; retry briefly.
		accounts := make([]string, 0)
		for _, acct := range store.ListActiveAccounts() {
			accounts = append(accounts, acct.AccountNumber)
		}
		if len(accounts) == 0 {
			return
		}
		for i := 0; i < 10; i++ {
			if err := stream.Subscribe(accounts); err == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		logger.Warn("Account stream subscription failed; relying on periodic sweeps")
	}()
}
