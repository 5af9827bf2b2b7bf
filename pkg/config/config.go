// Package config holds the environment contract for the claimflow
// binaries. Configuration errors are fatal: both binaries validate at
// startup and exit non-zero on violations.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// DashboardConfig configures the dashboard service.
type DashboardConfig struct {
	Host string `env:"CLAIMFLOW_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CLAIMFLOW_PORT" envDefault:"8080"`

	// DatabaseURL selects the Postgres store; empty runs in-memory.
	DatabaseURL string `env:"DATABASE_URL"`

	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string `env:"CLAIMFLOW_AUTH_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Slack (optional — if not set, notifications are disabled)
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	SlackChannel  string `env:"SLACK_CHANNEL"`

	// GitHub ingester (optional — if not set, ingestion is disabled)
	GitHubToken        string        `env:"GITHUB_TOKEN"`
	GitHubRepo         string        `env:"GITHUB_REPO"`  // "owner/name"
	GitHubLabel        string        `env:"GITHUB_LABEL"` // only issues with this label become claims
	GitHubPollInterval time.Duration `env:"GITHUB_POLL_INTERVAL" envDefault:"60s"`
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *DashboardConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the dashboard configuration.
func (c *DashboardConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("CLAIMFLOW_PORT out of range: %d", c.Port)
	}
	if c.GitHubRepo != "" && c.GitHubPollInterval < time.Second {
		return fmt.Errorf("GITHUB_POLL_INTERVAL too small: %s", c.GitHubPollInterval)
	}
	return nil
}

// OrchestratorConfig configures the orchestrator control loop.
type OrchestratorConfig struct {
	// DashboardURL is the base URL of the dashboard service.
	DashboardURL string `env:"DASHBOARD_URL" envDefault:"http://localhost:8080"`

	// AuthToken is passed through as a bearer token on dashboard requests.
	AuthToken string `env:"CLAIMFLOW_AUTH_TOKEN"`

	// MaxAgents bounds the number of concurrently live worker processes.
	MaxAgents int `env:"MAX_AGENTS" envDefault:"3"`

	// MaxRetries is the number of re-spawns after the first failed attempt.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"2"`

	// BaseRetryDelay seeds the exponential retry backoff.
	BaseRetryDelay time.Duration `env:"BASE_RETRY_DELAY" envDefault:"5s"`

	// PollInterval is the backlog polling cadence.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`

	// GracefulShutdown bounds how long Stop waits for live workers
	// before hard-killing them.
	GracefulShutdown time.Duration `env:"GRACEFUL_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// WorkingDir is the version-controlled repository workers operate on.
	WorkingDir string `env:"WORKING_DIR" envDefault:"."`

	// WorkerCommand is the external worker program invoked per claim.
	WorkerCommand string `env:"WORKER_COMMAND" envDefault:"claude"`

	// AdvisorCommand is the optional external routing helper.
	AdvisorCommand string `env:"ROUTER_ADVISOR_COMMAND"`

	UseWorktrees     bool `env:"USE_WORKTREES" envDefault:"true"`
	CleanupWorktrees bool `env:"CLEANUP_WORKTREES" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Validate checks the orchestrator configuration.
func (c *OrchestratorConfig) Validate() error {
	u, err := url.Parse(c.DashboardURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DASHBOARD_URL is not a valid URL: %q", c.DashboardURL)
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("MAX_AGENTS must be at least 1, got %d", c.MaxAgents)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.BaseRetryDelay <= 0 {
		return fmt.Errorf("BASE_RETRY_DELAY must be positive, got %s", c.BaseRetryDelay)
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("POLL_INTERVAL too small: %s", c.PollInterval)
	}
	if c.GracefulShutdown <= 0 {
		return fmt.Errorf("GRACEFUL_SHUTDOWN_TIMEOUT must be positive, got %s", c.GracefulShutdown)
	}
	if c.WorkerCommand == "" {
		return fmt.Errorf("WORKER_COMMAND must not be empty")
	}
	return nil
}

// LoadDashboard reads the dashboard configuration from the environment.
func LoadDashboard() (*DashboardConfig, error) {
	cfg := &DashboardConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrchestrator reads the orchestrator configuration from the environment.
func LoadOrchestrator() (*OrchestratorConfig, error) {
	cfg := &OrchestratorConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
