package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of a spawned worker process as the
// orchestrator sees it.
type AgentStatus string

const (
	AgentSpawning  AgentStatus = "spawning"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// SpawnedAgentTransitions is the legal transition table for a spawned
// agent. Kept declarative and validated at one choke point
// (CanTransition). Short-lived workers may complete before any running
// event is observed, so spawning → completed is legal.
var SpawnedAgentTransitions = map[AgentStatus][]AgentStatus{
	AgentSpawning:  {AgentRunning, AgentCompleted, AgentFailed},
	AgentRunning:   {AgentRunning, AgentCompleted, AgentFailed},
	AgentCompleted: {},
	AgentFailed:    {},
}

// CanTransition reports whether from → to is a legal agent transition.
func CanTransition(from, to AgentStatus) bool {
	for _, s := range SpawnedAgentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ModelTier is an abstract capability/cost rung. Concrete meanings are
// provider-specific; ordering is wasm < haiku < sonnet < opus.
type ModelTier string

const (
	TierWasm   ModelTier = "wasm"
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"
)

var tierRank = map[ModelTier]int{TierWasm: 0, TierHaiku: 1, TierSonnet: 2, TierOpus: 3}

// IsValid checks if the model tier is valid.
func (t ModelTier) IsValid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t is at or above the floor tier.
func (t ModelTier) AtLeast(floor ModelTier) bool {
	return tierRank[t] >= tierRank[floor]
}

// SpawnedAgent is the orchestrator's view of a live worker process.
// At most one live SpawnedAgent exists per ClaimID within one
// orchestrator; terminal agents are removed from the live table.
type SpawnedAgent struct {
	AgentID     string      `json:"agentId"`
	AgentType   string      `json:"agentType"`
	ModelTier   ModelTier   `json:"modelTier"`
	ClaimID     string      `json:"claimId"`
	IssueID     string      `json:"issueId"`
	Status      AgentStatus `json:"status"`
	Attempts    int         `json:"attempts"` // 1-based
	MaxAttempts int         `json:"maxAttempts"`
	LastError   string      `json:"lastError,omitempty"`
	SpawnedAt   time.Time   `json:"spawnedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// NewAgentID mints an agent id of the form "<archetype>-<6 hex chars>".
func NewAgentID(archetype string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return archetype + "-" + suffix
}

// RetryEntry is one pending retry for a failed claim. Removed on
// re-spawn or on exhaustion.
type RetryEntry struct {
	ClaimID     string
	IssueID     string
	Attempts    int
	NextRetryAt time.Time
	LastError   string
}
