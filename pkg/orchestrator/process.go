package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/natea/claimflow/pkg/dashboard"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/retry"
	"github.com/natea/claimflow/pkg/router"
	"github.com/natea/claimflow/pkg/spawner"
	"github.com/natea/claimflow/pkg/telemetry"
)

// retryMaxDelay caps one retry backoff wait.
const retryMaxDelay = 60 * time.Second

// pollOnce fetches the backlog and processes claims until capacity fills.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	if !o.shouldProcess() {
		slog.Debug("Skipping poll", "status", o.Status())
		return
	}

	claims, err := o.client.FetchClaims(ctx, dashboard.ClaimFilter{
		Statuses: []models.ClaimStatus{models.StatusBacklog},
	})
	if err != nil {
		slog.Error("Backlog fetch failed", "error", err)
		return
	}

	for _, claim := range claims {
		if !o.shouldProcess() {
			break // capacity filled mid-loop
		}
		o.mu.Lock()
		_, inFlight := o.processing[claim.ID]
		_, pendingRetry := o.retryQueue[claim.ID]
		o.mu.Unlock()
		if inFlight || pendingRetry {
			continue
		}
		o.processClaim(ctx, claim, 1)
	}
}

// processClaim routes and spawns one claim. attempts is 1-based; retried
// claims come back through here with their incremented attempt count.
// Every error path funnels into handleClaimFailure — the loop never dies.
func (o *Orchestrator) processClaim(ctx context.Context, claim *models.Claim, attempts int) {
	o.mu.Lock()
	if o.processing[claim.ID] {
		o.mu.Unlock()
		return
	}
	if _, live := o.agentByClaim[claim.ID]; live {
		o.mu.Unlock()
		return // exactly one live agent per claim
	}
	o.processing[claim.ID] = true
	o.mu.Unlock()

	o.runClaim(ctx, claim, attempts)
}

// runClaim does the route/spawn/claim work. The caller must have set the
// processing guard for claim.ID; runClaim clears it.
func (o *Orchestrator) runClaim(ctx context.Context, claim *models.Claim, attempts int) {
	o.mu.Lock()
	o.claimsProcessed++
	o.mu.Unlock()
	telemetry.ClaimsProcessedTotal.Inc()

	defer func() {
		o.mu.Lock()
		delete(o.processing, claim.ID)
		o.mu.Unlock()

		if r := recover(); r != nil {
			slog.Error("Claim processing panicked", "issue_id", claim.IssueID, "panic", r)
			o.handleClaimFailure(ctx, claim.ID, claim.IssueID, fmt.Sprintf("panic: %v", r), attempts)
		}
	}()

	decision := o.router.Route(ctx, router.Task{
		Title:       claim.Title,
		Description: claim.Description,
		Labels:      claimLabels(claim),
	})
	slog.Info("Claim routed",
		"issue_id", claim.IssueID,
		"agent_type", decision.AgentType,
		"model_tier", decision.ModelTier,
		"confidence", decision.Confidence)

	workerContext := claim.Context
	if workerContext == "" {
		workerContext = claim.Description
	}

	result := o.spawner.Spawn(ctx, spawner.SpawnOptions{
		AgentType: decision.AgentType,
		ModelTier: decision.ModelTier,
		ClaimID:   claim.ID,
		IssueID:   claim.IssueID,
		Context:   workerContext,
	})
	if !result.Success || result.AgentID == "" {
		o.handleClaimFailure(ctx, claim.ID, claim.IssueID, result.Error, attempts)
		return
	}

	// Insert into the live table before any further blocking call so a
	// synchronously completing worker finds its record.
	agent := &models.SpawnedAgent{
		AgentID:     result.AgentID,
		AgentType:   decision.AgentType,
		ModelTier:   decision.ModelTier,
		ClaimID:     claim.ID,
		IssueID:     claim.IssueID,
		Status:      models.AgentSpawning,
		Attempts:    attempts,
		MaxAttempts: o.cfg.MaxRetries + 1,
		SpawnedAt:   time.Now(),
	}
	o.mu.Lock()
	o.agents[result.AgentID] = agent
	o.agentByClaim[claim.ID] = result.AgentID
	atCapacity := len(o.agents) >= o.cfg.MaxAgents
	stashed := o.pendingLifecycle[result.AgentID]
	delete(o.pendingLifecycle, result.AgentID)
	o.mu.Unlock()

	if _, err := o.client.ClaimIssue(ctx, claim.ID, *models.AgentClaimant(result.AgentID, decision.AgentType)); err != nil {
		slog.Error("Claiming issue failed, terminating worker", "issue_id", claim.IssueID, "error", err)
		o.spawner.Terminate(result.AgentID)
		o.removeAgent(result.AgentID)
		o.handleClaimFailure(ctx, claim.ID, claim.IssueID, err.Error(), attempts)
		return
	}

	o.emit(Event{Type: EventAgentSpawned, AgentID: result.AgentID, ClaimID: claim.ID, IssueID: claim.IssueID})
	o.emit(Event{Type: EventClaimAssigned, AgentID: result.AgentID, ClaimID: claim.ID, IssueID: claim.IssueID})
	if atCapacity {
		slog.Info("Worker pool at capacity", "max_agents", o.cfg.MaxAgents)
		o.emit(Event{Type: EventCapacityReached})
	}

	// Replay lifecycle events that outran the live-table insert.
	for _, ev := range stashed {
		o.handleLifecycle(ev)
	}
}

// claimLabels extracts routing labels from claim metadata.
func claimLabels(claim *models.Claim) []string {
	raw, ok := claim.Metadata["labels"]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			labels = append(labels, trimmed)
		}
	}
	return labels
}

// removeAgent deletes one agent from the live table (both indices) and
// discards any stashed lifecycle events for it.
func (o *Orchestrator) removeAgent(agentID string) {
	o.mu.Lock()
	if agent, ok := o.agents[agentID]; ok {
		delete(o.agents, agentID)
		delete(o.agentByClaim, agent.ClaimID)
	}
	delete(o.pendingLifecycle, agentID)
	o.mu.Unlock()
}

// handleClaimFailure decides retry vs. terminal for one failed attempt.
func (o *Orchestrator) handleClaimFailure(ctx context.Context, claimID, issueID, errMsg string, attempts int) {
	willRetry := attempts <= o.cfg.MaxRetries

	if willRetry {
		delay := retry.Delay(o.cfg.BaseRetryDelay, attempts-1, retryMaxDelay)
		o.mu.Lock()
		o.retryQueue[claimID] = &models.RetryEntry{
			ClaimID:     claimID,
			IssueID:     issueID,
			Attempts:    attempts,
			NextRetryAt: time.Now().Add(delay),
			LastError:   errMsg,
		}
		depth := len(o.retryQueue)
		o.mu.Unlock()
		telemetry.RetryQueueDepth.Set(float64(depth))

		slog.Warn("Claim failed, retry scheduled",
			"issue_id", issueID, "attempts", attempts, "delay", delay, "error", errMsg)
	} else {
		o.mu.Lock()
		delete(o.retryQueue, claimID)
		o.claimsFailed++
		depth := len(o.retryQueue)
		o.mu.Unlock()
		telemetry.RetryQueueDepth.Set(float64(depth))
		telemetry.ClaimsFailedTotal.Inc()

		slog.Error("Claim failed permanently, marking blocked",
			"issue_id", issueID, "attempts", attempts, "error", errMsg)
		if _, err := o.client.UpdateClaimStatus(ctx, issueID, models.StatusBlocked, nil); err != nil {
			slog.Warn("Failed to mark claim blocked", "issue_id", issueID, "error", err)
		}
	}

	o.emit(Event{
		Type: EventAgentFailed, ClaimID: claimID, IssueID: issueID,
		Error: errMsg, WillRetry: willRetry,
	})
}

// processRetries re-feeds due retry entries through the claim pipeline.
// Each due entry atomically moves from the retry queue into the
// processing guard so a concurrent poll tick cannot double-spawn it.
// Entries whose claim vanished or moved on are dropped.
func (o *Orchestrator) processRetries(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	var due []*models.RetryEntry
	for claimID, entry := range o.retryQueue {
		if entry.NextRetryAt.After(now) {
			continue
		}
		if o.processing[claimID] {
			continue
		}
		if _, live := o.agentByClaim[claimID]; live {
			continue
		}
		delete(o.retryQueue, claimID)
		o.processing[claimID] = true
		due = append(due, entry)
	}
	depth := len(o.retryQueue)
	o.mu.Unlock()
	if len(due) > 0 {
		telemetry.RetryQueueDepth.Set(float64(depth))
	}

	for _, entry := range due {
		claim, err := o.client.FetchClaim(ctx, entry.IssueID)
		if err != nil {
			o.mu.Lock()
			delete(o.processing, entry.ClaimID)
			o.mu.Unlock()
			o.handleClaimFailure(ctx, entry.ClaimID, entry.IssueID, err.Error(), entry.Attempts+1)
			continue
		}
		if claim == nil || (claim.Status != models.StatusBacklog && claim.Status != models.StatusBlocked) {
			slog.Info("Dropping retry, claim moved on", "issue_id", entry.IssueID)
			o.mu.Lock()
			delete(o.processing, entry.ClaimID)
			o.mu.Unlock()
			continue
		}
		o.runClaim(ctx, claim, entry.Attempts+1)
	}
}
