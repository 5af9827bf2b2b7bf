// Package orchestrator implements the control loop: it pulls backlog
// claims from the dashboard, routes each to an archetype and tier,
// spawns an isolated worker per claim, and drives retry, backpressure,
// and graceful shutdown.
package orchestrator

import (
	"context"

	"github.com/natea/claimflow/pkg/dashboard"
	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/router"
	"github.com/natea/claimflow/pkg/spawner"
)

// Status is the orchestrator lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Transitions is the legal status transition table. Stopped is terminal.
var Transitions = map[Status][]Status{
	StatusIdle:    {StatusRunning},
	StatusRunning: {StatusPaused, StatusStopped},
	StatusPaused:  {StatusRunning, StatusStopped},
	StatusStopped: {},
}

func canTransition(from, to Status) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventType names local orchestrator notifications.
type EventType string

const (
	EventStarted         EventType = "orchestrator:started"
	EventStopped         EventType = "orchestrator:stopped"
	EventAgentSpawned    EventType = "agent:spawned"
	EventAgentCompleted  EventType = "agent:completed"
	EventAgentFailed     EventType = "agent:failed"
	EventClaimAssigned   EventType = "claim:assigned"
	EventCapacityReached EventType = "pool:capacity_reached"
)

// Event is a local orchestrator notification delivered to subscribers.
type Event struct {
	Type      EventType
	AgentID   string
	ClaimID   string
	IssueID   string
	Error     string
	WillRetry bool
}

// Stats is a snapshot of the orchestrator's counters.
type Stats struct {
	Status          Status
	ActiveAgents    int
	RetryQueueDepth int
	ClaimsProcessed int
	ClaimsSucceeded int
	ClaimsFailed    int
}

// Spawner is the worker lifecycle surface the orchestrator drives.
// Implemented by spawner.Spawner; tests substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, opts spawner.SpawnOptions) spawner.SpawnResult
	Terminate(agentID string)
	TerminateAll()
	OnLifecycle(cb func(spawner.LifecycleEvent))
}

// DashboardAPI is the dashboard surface the orchestrator consumes.
// Implemented by dashboard.Client; tests substitute fakes.
type DashboardAPI interface {
	FetchClaims(ctx context.Context, filter dashboard.ClaimFilter) ([]*models.Claim, error)
	FetchClaim(ctx context.Context, id string) (*models.Claim, error)
	ClaimIssue(ctx context.Context, id string, claimant models.Claimant) (*models.Claim, error)
	UpdateClaimStatus(ctx context.Context, id string, status models.ClaimStatus, progress *int) (*models.Claim, error)
	ReleaseClaim(ctx context.Context, id string) error
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(cb func(events.ServerFrame)) dashboard.Unsubscribe
}

// TaskRouter decides archetype and tier for a claim.
// Implemented by router.Router.
type TaskRouter interface {
	Route(ctx context.Context, task router.Task) router.Result
}
