// Package ingest pulls work into the claims board from external
// sources. The GitHub ingester polls a repository's open issues and
// writes backlog claims through the storage contract.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/storage"
)

// GitHubConfig configures the issue poller.
type GitHubConfig struct {
	Token        string
	Repo         string // "owner/name"
	Label        string // only issues carrying this label become claims; empty = all
	PollInterval time.Duration
}

// GitHubIngester periodically syncs open issues into the claims board.
type GitHubIngester struct {
	cfg    GitHubConfig
	owner  string
	name   string
	client *github.Client
	store  storage.ClaimsStorage
	logger *slog.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// NewGitHubIngester creates an ingester. Returns nil when no repo is
// configured (ingestion disabled).
func NewGitHubIngester(cfg GitHubConfig, store storage.ClaimsStorage) (*GitHubIngester, error) {
	if cfg.Repo == "" {
		return nil, nil
	}
	owner, name, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("GITHUB_REPO must be owner/name, got %q", cfg.Repo)
	}

	client := github.NewClient(nil)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}

	return &GitHubIngester{
		cfg:    cfg,
		owner:  owner,
		name:   name,
		client: client,
		store:  store,
		logger: slog.Default().With("component", "github-ingest", "repo", cfg.Repo),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins polling. Nil-safe.
func (g *GitHubIngester) Start(ctx context.Context) {
	if g == nil {
		return
	}
	go func() {
		defer close(g.done)
		g.logger.Info("GitHub ingester started", "interval", g.cfg.PollInterval)

		g.syncOnce(ctx)
		ticker := time.NewTicker(g.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.syncOnce(ctx)
			}
		}
	}()
}

// Stop halts polling. Nil-safe.
func (g *GitHubIngester) Stop() {
	if g == nil {
		return
	}
	close(g.stopCh)
	<-g.done
}

// syncOnce lists open issues and creates claims for the new ones.
func (g *GitHubIngester) syncOnce(ctx context.Context) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if g.cfg.Label != "" {
		opts.Labels = []string{g.cfg.Label}
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	issues, _, err := g.client.Issues.ListByRepo(listCtx, g.owner, g.name, opts)
	if err != nil {
		g.logger.Warn("Issue listing failed", "error", err)
		return
	}

	created := 0
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		if g.upsertIssue(ctx, issue) {
			created++
		}
	}
	if created > 0 {
		g.logger.Info("Ingested new issues", "count", created)
	}
}

// upsertIssue creates a claim for an issue not yet on the board.
// Reports whether a claim was created.
func (g *GitHubIngester) upsertIssue(ctx context.Context, issue *github.Issue) bool {
	issueID := fmt.Sprintf("gh-%d", issue.GetNumber())

	if _, err := g.store.GetClaimByIssueID(ctx, issueID); err == nil {
		return false // already tracked
	} else if !errors.Is(err, storage.ErrNotFound) {
		g.logger.Warn("Claim lookup failed", "issue_id", issueID, "error", err)
		return false
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}

	_, err := g.store.CreateClaim(ctx, &models.Claim{
		IssueID:     issueID,
		Source:      models.SourceGitHub,
		SourceRef:   fmt.Sprintf("%s/%s#%d", g.owner, g.name, issue.GetNumber()),
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		Status:      models.StatusBacklog,
		Metadata:    map[string]string{"labels": strings.Join(labels, ",")},
	})
	if err != nil {
		g.logger.Warn("Claim creation failed", "issue_id", issueID, "error", err)
		return false
	}
	return true
}
