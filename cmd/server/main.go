/*
main.go - Application entry point

PURPOSE:

	Initializes and starts the ClipEarn ledger engine server. Handles
	configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
 1. Parse command-line flags, load config file + env overrides
 2. Initialize structured logging
 3. Open SQLite store, migrate schema
 4. Wire domain services (ledger, referral, withdrawal, refund, audit)
 5. Start HTTP server and background reconcile sweeper
 6. Block until SIGINT/SIGTERM, then drain and close

COMMAND-LINE FLAGS:

	-config  Path to YAML config file (optional; defaults apply without it)
	-port    Override server.port from the config
	-db      Override database.path (":memory:" for ephemeral runs)

CONFIGURATION:

	Every config key can also arrive via environment, prefixed CLIPEARN_,
	dots replaced by underscores (CLIPEARN_SERVER_PORT=9090).

EXAMPLES:

	./server -config=./config.yaml
	./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Config schema and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipearn/ledger-engine/api"
	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/config"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/referral"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/store/sqlite"
	"github.com/clipearn/ledger-engine/withdrawal"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	// Store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Domain services
	auditRec := audit.NewRecorder(store, log)
	ledgerSvc := ledger.NewService(store, auditRec)
	reconciler := ledger.NewReconciler(ledgerSvc, log)
	engine := referral.NewEngine(ledgerSvc, store, cfg.CommissionRates(), auditRec, log)
	withdrawals := withdrawal.NewManager(ledgerSvc, store, cfg.USDTRate(),
		cfg.WithdrawalPolicy(), auditRec, log)
	refunds := refund.NewManager(ledgerSvc, store, cfg.TierSchedule(), auditRec, log)

	// HTTP
	handler := api.NewHandler(ledgerSvc, reconciler, engine, withdrawals, refunds, auditRec, log)
	router := api.NewRouter(handler, []string{"*"})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Background reconcile sweep
	sweeper := api.NewSweeper(reconciler, cfg.Reconcile.Interval, log)
	sweeper.Start()

	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
