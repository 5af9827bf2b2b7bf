package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/spawner"
	"github.com/natea/claimflow/pkg/telemetry"
)

// handleStreamMessage reacts to dashboard stream frames. New backlog
// claims trigger an immediate best-effort processing attempt instead of
// waiting for the next poll tick.
func (o *Orchestrator) handleStreamMessage(frame events.ServerFrame) {
	o.mu.Lock()
	o.lastHeartbeat = time.Now()
	o.mu.Unlock()

	switch frame.Type {
	case events.FrameEvent:
		if frame.Event == nil {
			return
		}
		o.handleStreamEvent(*frame.Event)

	case events.FrameCommand:
		o.handleCommand(frame.Command)

	case events.FramePong, events.FrameSnapshot:
		// Heartbeat replies and board snapshots carry no work.

	default:
		slog.Debug("Ignoring stream frame", "type", frame.Type)
	}
}

func (o *Orchestrator) handleStreamEvent(ev models.DashboardEvent) {
	switch ev.Type {
	case models.EventClaimCreated, models.EventClaimUpdated:
		claim := ev.Claim
		if claim == nil || claim.Status != models.StatusBacklog {
			return
		}
		if !o.shouldProcess() {
			return
		}
		o.mu.Lock()
		_, pendingRetry := o.retryQueue[claim.ID]
		o.mu.Unlock()
		if pendingRetry {
			return
		}
		// Best-effort: kick processing off the stream path asynchronously.
		go o.processClaim(context.Background(), claim, 1)
	}
}

// handleCommand executes an orchestrator:command frame.
func (o *Orchestrator) handleCommand(command string) {
	slog.Info("Received orchestrator command", "command", command)
	switch command {
	case "pause":
		o.Pause()
	case "resume":
		o.Resume()
	case "stop":
		go o.Stop("remote command")
	case "spawn":
		// Manual poke: trigger one poll.
		go o.pollOnce(context.Background())
	default:
		slog.Warn("Unknown orchestrator command ignored", "command", command)
	}
}

// handleLifecycle reacts to spawner lifecycle events. Target states are
// validated against the agent transition table; illegal transitions log
// and no-op.
//
// A short-lived worker can reach its terminal state before processClaim
// has inserted the live-table record. Events for agents whose claim is
// still in flight are stashed and replayed once the record lands.
func (o *Orchestrator) handleLifecycle(ev spawner.LifecycleEvent) {
	o.mu.Lock()
	if _, known := o.agents[ev.AgentID]; !known && o.processing[ev.ClaimID] {
		o.pendingLifecycle[ev.AgentID] = append(o.pendingLifecycle[ev.AgentID], ev)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx := context.Background()

	switch ev.Type {
	case spawner.LifecycleStarted:
		o.transitionAgent(ev.AgentID, models.AgentRunning)

	case spawner.LifecycleProgress:
		if !o.transitionAgent(ev.AgentID, models.AgentRunning) {
			return
		}
		progress := ev.Progress
		if _, err := o.client.UpdateClaimStatus(ctx, ev.IssueID, models.StatusActive, &progress); err != nil {
			slog.Debug("Progress update failed", "issue_id", ev.IssueID, "error", err)
		}

	case spawner.LifecycleCompleted:
		if !o.transitionAgent(ev.AgentID, models.AgentCompleted) {
			return
		}
		o.mu.Lock()
		o.claimsSucceeded++
		o.mu.Unlock()
		telemetry.ClaimsSucceededTotal.Inc()

		full := 100
		if _, err := o.client.UpdateClaimStatus(ctx, ev.IssueID, models.StatusReviewRequested, &full); err != nil {
			slog.Warn("Failed to move claim to review", "issue_id", ev.IssueID, "error", err)
		}

		o.removeAgent(ev.AgentID)
		o.emit(Event{Type: EventAgentCompleted, AgentID: ev.AgentID, ClaimID: ev.ClaimID, IssueID: ev.IssueID})
		o.checkShutdownComplete()

	case spawner.LifecycleFailed:
		o.mu.Lock()
		agent, known := o.agents[ev.AgentID]
		attempts := 1
		if known {
			attempts = agent.Attempts
		}
		o.mu.Unlock()
		if !known {
			// Already handled (spawn failure path) or a stale duplicate.
			slog.Debug("Failure event for unknown agent ignored", "agent_id", ev.AgentID)
			return
		}
		if !o.transitionAgent(ev.AgentID, models.AgentFailed) {
			return
		}
		o.removeAgent(ev.AgentID)

		// Free the claim so a retry (or a human) can pick it up again.
		if err := o.client.ReleaseClaim(ctx, ev.IssueID); err != nil {
			slog.Debug("Release after failure failed", "issue_id", ev.IssueID, "error", err)
		}
		o.handleClaimFailure(ctx, ev.ClaimID, ev.IssueID, ev.Error, attempts)
		o.checkShutdownComplete()
	}
}

// transitionAgent validates and applies a live-table status change.
// Unknown agents and illegal transitions return false.
func (o *Orchestrator) transitionAgent(agentID string, to models.AgentStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	agent, ok := o.agents[agentID]
	if !ok {
		slog.Debug("Lifecycle event for unknown agent", "agent_id", agentID, "to", to)
		return false
	}
	if !models.CanTransition(agent.Status, to) {
		slog.Warn("Illegal agent transition ignored",
			"agent_id", agentID, "from", agent.Status, "to", to)
		return false
	}
	agent.Status = to
	if to == models.AgentCompleted || to == models.AgentFailed {
		now := time.Now()
		agent.CompletedAt = &now
	}
	return true
}
