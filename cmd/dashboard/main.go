// The claimflow dashboard service: claims storage and CRUD API, the
// worker hook endpoint, and the real-time subscription hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/natea/claimflow/pkg/api"
	"github.com/natea/claimflow/pkg/config"
	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/ingest"
	"github.com/natea/claimflow/pkg/notify"
	"github.com/natea/claimflow/pkg/storage"
	"github.com/natea/claimflow/pkg/telemetry"
	"github.com/natea/claimflow/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dryRun := flag.Bool("dry-run", false, "print resolved configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded environment from .env")
	}

	cfg, err := config.LoadDashboard()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	config.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	if *dryRun {
		fmt.Printf("listen addr:      %s\n", cfg.ListenAddr())
		fmt.Printf("database:         %s\n", orDefault(cfg.DatabaseURL, "(in-memory)"))
		fmt.Printf("auth:             %v\n", cfg.AuthToken != "")
		fmt.Printf("slack:            %v\n", cfg.SlackBotToken != "" && cfg.SlackChannel != "")
		fmt.Printf("github ingester:  %s\n", orDefault(cfg.GitHubRepo, "(disabled)"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage.ClaimsStorage
	var pgStore *storage.PostgresStore
	if cfg.DatabaseURL != "" {
		pgStore, err = storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Database initialization failed", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		slog.Info("Using PostgreSQL claims store")
	} else {
		store = storage.NewMemoryStore()
		slog.Warn("DATABASE_URL not set, using in-memory claims store")
	}

	aggregator := events.NewAggregator()
	aggregator.BindStorage(store)

	hub := events.NewHub(store)
	aggregator.AddListener(hub.Broadcast)
	hub.Start()

	if notifier := notify.NewService(cfg.SlackBotToken, cfg.SlackChannel); notifier != nil {
		aggregator.AddListener(notifier.Listen)
		slog.Info("Slack notifications enabled", "channel", cfg.SlackChannel)
	}

	ingester, err := ingest.NewGitHubIngester(ingest.GitHubConfig{
		Token:        cfg.GitHubToken,
		Repo:         cfg.GitHubRepo,
		Label:        cfg.GitHubLabel,
		PollInterval: cfg.GitHubPollInterval,
	}, store)
	if err != nil {
		slog.Error("GitHub ingester configuration invalid", "error", err)
		os.Exit(1)
	}
	ingester.Start(ctx)

	registry := prometheus.NewRegistry()
	telemetry.Register(registry)

	server := api.NewServer(store, aggregator, hub, cfg.AuthToken, registry)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Dashboard listening", "addr", cfg.ListenAddr(), "version", version.Full())
		errCh <- server.Start(cfg.ListenAddr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	ingester.Stop()
	hub.Stop()
	slog.Info("Dashboard stopped")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
