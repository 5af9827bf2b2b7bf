// The claimflow orchestrator: pulls backlog claims from the dashboard,
// routes each to an agent archetype and tier, and supervises one
// isolated worker process per claim.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/natea/claimflow/pkg/config"
	"github.com/natea/claimflow/pkg/dashboard"
	"github.com/natea/claimflow/pkg/orchestrator"
	"github.com/natea/claimflow/pkg/router"
	"github.com/natea/claimflow/pkg/spawner"
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

	cfg, err := config.LoadOrchestrator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	config.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	if *dryRun {
		fmt.Printf("dashboard url:      %s\n", cfg.DashboardURL)
		fmt.Printf("max agents:         %d\n", cfg.MaxAgents)
		fmt.Printf("max retries:        %d\n", cfg.MaxRetries)
		fmt.Printf("base retry delay:   %s\n", cfg.BaseRetryDelay)
		fmt.Printf("poll interval:      %s\n", cfg.PollInterval)
		fmt.Printf("graceful shutdown:  %s\n", cfg.GracefulShutdown)
		fmt.Printf("working dir:        %s\n", cfg.WorkingDir)
		fmt.Printf("worker command:     %s\n", cfg.WorkerCommand)
		fmt.Printf("use worktrees:      %v\n", cfg.UseWorktrees)
		fmt.Printf("cleanup worktrees:  %v\n", cfg.CleanupWorktrees)
		return
	}

	client := dashboard.New(cfg.DashboardURL, cfg.AuthToken)

	sp := spawner.New(spawner.Config{
		WorkerCommand:    cfg.WorkerCommand,
		RepoRoot:         cfg.WorkingDir,
		DashboardURL:     cfg.DashboardURL,
		HookURL:          strings.TrimRight(cfg.DashboardURL, "/") + "/api/hooks/agent",
		UseWorktrees:     cfg.UseWorktrees,
		CleanupWorktrees: cfg.CleanupWorktrees,
	})

	var advisorCmd []string
	if cfg.AdvisorCommand != "" {
		advisorCmd = strings.Fields(cfg.AdvisorCommand)
	}
	taskRouter := router.New(advisorCmd)

	orch := orchestrator.New(cfg, client, sp, taskRouter)

	if err := orch.Start(context.Background()); err != nil {
		slog.Error("Orchestrator startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Signal received, shutting down", "signal", sig)

	// A second signal during shutdown coalesces into the same Stop.
	go func() {
		for range sigCh {
		}
	}()

	orch.Stop(fmt.Sprintf("signal %s", sig))

	stats := orch.Stats()
	slog.Info("Final stats",
		"processed", stats.ClaimsProcessed,
		"succeeded", stats.ClaimsSucceeded,
		"failed", stats.ClaimsFailed)
}
