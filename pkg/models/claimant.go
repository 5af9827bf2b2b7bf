package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaimantType discriminates the claimant variant.
type ClaimantType string

const (
	ClaimantHuman ClaimantType = "human"
	ClaimantAgent ClaimantType = "agent"
)

// Claimant is a tagged variant: either a human {UserID, Name} or an
// agent {AgentID, AgentType}. Which fields are meaningful depends on Type.
type Claimant struct {
	Type ClaimantType `json:"type"`

	// Human fields
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`

	// Agent fields
	AgentID   string `json:"agentId,omitempty"`
	AgentType string `json:"agentType,omitempty"`
}

// HumanClaimant constructs the human variant.
func HumanClaimant(userID, name string) *Claimant {
	return &Claimant{Type: ClaimantHuman, UserID: userID, Name: name}
}

// AgentClaimant constructs the agent variant.
func AgentClaimant(agentID, agentType string) *Claimant {
	return &Claimant{Type: ClaimantAgent, AgentID: agentID, AgentType: agentType}
}

// Validate checks the variant's required fields.
func (c *Claimant) Validate() error {
	switch c.Type {
	case ClaimantHuman:
		if c.UserID == "" {
			return fmt.Errorf("human claimant requires userId")
		}
	case ClaimantAgent:
		if c.AgentID == "" {
			return fmt.Errorf("agent claimant requires agentId")
		}
	default:
		return fmt.Errorf("unknown claimant type %q", c.Type)
	}
	return nil
}

// Encode serializes the claimant to its compact string form:
// "human:<userId>:<name>" or "agent:<agentId>:<agentType>".
func (c *Claimant) Encode() string {
	switch c.Type {
	case ClaimantHuman:
		return fmt.Sprintf("human:%s:%s", c.UserID, c.Name)
	case ClaimantAgent:
		return fmt.Sprintf("agent:%s:%s", c.AgentID, c.AgentType)
	default:
		return ""
	}
}

// ParseClaimant parses the compact string form produced by Encode.
// The third segment may itself contain colons (names are freeform), so
// only the first two separators split.
func ParseClaimant(s string) (*Claimant, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid claimant encoding %q", s)
	}
	switch ClaimantType(parts[0]) {
	case ClaimantHuman:
		return HumanClaimant(parts[1], parts[2]), nil
	case ClaimantAgent:
		return AgentClaimant(parts[1], parts[2]), nil
	default:
		return nil, fmt.Errorf("unknown claimant type %q", parts[0])
	}
}

// UnmarshalJSON validates the variant tag on the way in.
func (c *Claimant) UnmarshalJSON(data []byte) error {
	type raw Claimant
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = Claimant(r)
	return c.Validate()
}
