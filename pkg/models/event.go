package models

import "time"

// EventType discriminates the DashboardEvent union.
type EventType string

// Dashboard event types fanned out to observers.
const (
	EventClaimCreated   EventType = "claim.created"
	EventClaimUpdated   EventType = "claim.updated"
	EventClaimDeleted   EventType = "claim.deleted"
	EventClaimHandoff   EventType = "claim.handoff"
	EventAgentStarted   EventType = "agent.started"
	EventAgentProgress  EventType = "agent.progress"
	EventAgentLog       EventType = "agent.log"
	EventAgentCompleted EventType = "agent.completed"
)

// IsClaimEvent reports whether the event type is in the claim.* family.
func (t EventType) IsClaimEvent() bool {
	switch t {
	case EventClaimCreated, EventClaimUpdated, EventClaimDeleted, EventClaimHandoff:
		return true
	default:
		return false
	}
}

// IsAgentEvent reports whether the event type is in the agent.* family.
func (t EventType) IsAgentEvent() bool {
	switch t {
	case EventAgentStarted, EventAgentProgress, EventAgentLog, EventAgentCompleted:
		return true
	default:
		return false
	}
}

// LogLevel classifies agent.log events.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// AgentResult is the terminal outcome carried by agent.completed events.
type AgentResult string

const (
	ResultSuccess AgentResult = "success"
	ResultFailure AgentResult = "failure"
)

// DashboardEvent is the uniform event delivered to observers. Type is
// the discriminator; only the fields belonging to that variant are set.
type DashboardEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// claim.created / claim.updated
	Claim   *Claim         `json:"claim,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`

	// claim.deleted / claim.handoff / agent.* correlation
	IssueID string `json:"issueId,omitempty"`

	// claim.handoff
	From *Claimant `json:"from,omitempty"`
	To   *Claimant `json:"to,omitempty"`

	// agent.*
	AgentID   string      `json:"agentId,omitempty"`
	AgentType string      `json:"agentType,omitempty"`
	Progress  *int        `json:"progress,omitempty"`
	Level     LogLevel    `json:"level,omitempty"`
	Message   string      `json:"message,omitempty"`
	Result    AgentResult `json:"result,omitempty"`
}

// NewClaimCreated builds a claim.created event.
func NewClaimCreated(claim *Claim) DashboardEvent {
	return DashboardEvent{Type: EventClaimCreated, Timestamp: time.Now(), Claim: claim, IssueID: claim.IssueID}
}

// NewClaimUpdated builds a claim.updated event carrying the changed fields.
func NewClaimUpdated(claim *Claim, changes map[string]any) DashboardEvent {
	return DashboardEvent{Type: EventClaimUpdated, Timestamp: time.Now(), Claim: claim, Changes: changes, IssueID: claim.IssueID}
}

// NewClaimDeleted builds a claim.deleted event.
func NewClaimDeleted(issueID string) DashboardEvent {
	return DashboardEvent{Type: EventClaimDeleted, Timestamp: time.Now(), IssueID: issueID}
}

// NewClaimHandoff builds a claim.handoff event.
func NewClaimHandoff(from, to *Claimant, issueID string) DashboardEvent {
	return DashboardEvent{Type: EventClaimHandoff, Timestamp: time.Now(), From: from, To: to, IssueID: issueID}
}

// NewAgentStarted builds an agent.started event.
func NewAgentStarted(agentID, agentType, issueID string) DashboardEvent {
	return DashboardEvent{Type: EventAgentStarted, Timestamp: time.Now(), AgentID: agentID, AgentType: agentType, IssueID: issueID}
}

// NewAgentProgress builds an agent.progress event.
func NewAgentProgress(agentID, issueID string, progress int) DashboardEvent {
	p := ClampProgress(progress)
	return DashboardEvent{Type: EventAgentProgress, Timestamp: time.Now(), AgentID: agentID, IssueID: issueID, Progress: &p}
}

// NewAgentLog builds an agent.log event.
func NewAgentLog(agentID string, level LogLevel, message string) DashboardEvent {
	return DashboardEvent{Type: EventAgentLog, Timestamp: time.Now(), AgentID: agentID, Level: level, Message: message}
}

// NewAgentCompleted builds an agent.completed event.
func NewAgentCompleted(agentID string, result AgentResult, issueID string) DashboardEvent {
	return DashboardEvent{Type: EventAgentCompleted, Timestamp: time.Now(), AgentID: agentID, Result: result, IssueID: issueID}
}

// HookEvent names a worker lifecycle moment reported via POST /api/hooks/agent.
type HookEvent string

const (
	HookAgentSpawn     HookEvent = "agent-spawn"
	HookPostTask       HookEvent = "post-task"
	HookPostEdit       HookEvent = "post-edit"
	HookPostCommand    HookEvent = "post-command"
	HookAgentTerminate HookEvent = "agent-terminate"
)

// AgentHook is the body a worker (or the spawner on its behalf) POSTs to
// the dashboard's hook endpoint.
type AgentHook struct {
	AgentID   string    `json:"agentId"`
	AgentType string    `json:"agentType,omitempty"`
	ClaimID   string    `json:"claimId,omitempty"`
	IssueID   string    `json:"issueId,omitempty"`
	Event     HookEvent `json:"event"`
	Progress  *int      `json:"progress,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Error     string    `json:"error,omitempty"`
	Result    string    `json:"result,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	FilePath  string    `json:"filePath,omitempty"`
	Command   string    `json:"command,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
