// Package events provides the real-time plane of the dashboard: the
// aggregator that normalizes raw inputs (storage deltas, worker hooks,
// worker output lines) into DashboardEvents, and the subscription hub
// that fans them out to WebSocket observers using room-based filtering.
package events

import (
	"github.com/natea/claimflow/pkg/models"
)

// Canonical rooms. Observers join rooms to select which events they
// receive; the board room additionally triggers a snapshot on join.
const (
	RoomBoard = "board"
	RoomLogs  = "logs"
)

// AgentRoom returns the room carrying one agent's events.
// Format: "agent:{agentId}"
func AgentRoom(agentID string) string {
	return "agent:" + agentID
}

// ClaimRoom returns the room carrying one claim's events.
// Format: "claim:{issueId}"
func ClaimRoom(issueID string) string {
	return "claim:" + issueID
}

// EventRooms is the deterministic routing function from an event to its
// target rooms: claim.* events go to the board and the claim's own room,
// agent.* events go to the logs and the agent's own room.
func EventRooms(e models.DashboardEvent) []string {
	switch {
	case e.Type.IsClaimEvent():
		rooms := []string{RoomBoard}
		if e.IssueID != "" {
			rooms = append(rooms, ClaimRoom(e.IssueID))
		}
		return rooms
	case e.Type.IsAgentEvent():
		rooms := []string{RoomLogs}
		if e.AgentID != "" {
			rooms = append(rooms, AgentRoom(e.AgentID))
		}
		return rooms
	default:
		return nil
	}
}

// ClientMessage is the JSON structure for observer → server frames.
type ClientMessage struct {
	Action string   `json:"action"`          // "subscribe", "unsubscribe", "ping"
	Rooms  []string `json:"rooms,omitempty"` // rooms for subscribe/unsubscribe
}

// Server → observer frame types.
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FramePong     = "pong"
	FrameError    = "error"
	// FrameCommand carries an operator command to connected orchestrators.
	FrameCommand = "command"
)

// ServerFrame is the JSON structure for server → observer frames.
// Claims is set on snapshot frames and Event on event frames; the other
// frame types carry neither.
type ServerFrame struct {
	Type   string                 `json:"type"`
	Claims []*models.Claim        `json:"claims,omitempty"` // snapshot
	Event  *models.DashboardEvent `json:"event,omitempty"`  // event
	Code   string                 `json:"code,omitempty"` // error
	Msg    string                 `json:"message,omitempty"`
	// Command is set on command frames: pause, resume, stop, spawn.
	Command string `json:"command,omitempty"`
}

// Error codes for error frames.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
)
