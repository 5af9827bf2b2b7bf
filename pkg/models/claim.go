// Package models defines the shared domain types: claims, claimants,
// spawned agents, and the dashboard event union.
package models

import "time"

// ClaimStatus is the lifecycle state of a claim on the board.
type ClaimStatus string

const (
	StatusBacklog         ClaimStatus = "backlog"
	StatusActive          ClaimStatus = "active"
	StatusPaused          ClaimStatus = "paused"
	StatusBlocked         ClaimStatus = "blocked"
	StatusReviewRequested ClaimStatus = "review-requested"
	StatusCompleted       ClaimStatus = "completed"
)

// IsValid checks if the claim status is valid.
func (s ClaimStatus) IsValid() bool {
	switch s {
	case StatusBacklog, StatusActive, StatusPaused, StatusBlocked, StatusReviewRequested, StatusCompleted:
		return true
	default:
		return false
	}
}

// ClaimSource identifies where a claim was ingested from.
type ClaimSource string

const (
	SourceGitHub ClaimSource = "github"
	SourceManual ClaimSource = "manual"
	SourceMCP    ClaimSource = "mcp"
)

// IsValid checks if the claim source is valid.
func (s ClaimSource) IsValid() bool {
	return s == SourceGitHub || s == SourceManual || s == SourceMCP
}

// Claim is a unit of work on the board.
//
// ID is the opaque server-minted key; IssueID is the stable external-facing
// key the orchestrator addresses claims by. Status "active" implies a
// non-nil Claimant; clearing the claimant forces the claim back to backlog.
type Claim struct {
	ID          string            `json:"id"`
	IssueID     string            `json:"issueId"`
	Source      ClaimSource       `json:"source"`
	SourceRef   string            `json:"sourceRef,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      ClaimStatus       `json:"status"`
	Claimant    *Claimant         `json:"claimant,omitempty"`
	Progress    int               `json:"progress"`
	Context     string            `json:"context,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the claim. Stores hand out clones so callers
// never share mutable state with the storage layer.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	if c.Claimant != nil {
		cl := *c.Claimant
		out.Claimant = &cl
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ClampProgress bounds a progress value to [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ClaimUpdate is a partial update applied to a claim. Nil fields are
// left untouched. ClearClaimant removes the claimant, which forces the
// claim back to backlog regardless of the Status field.
type ClaimUpdate struct {
	Title         *string
	Description   *string
	Status        *ClaimStatus
	Claimant      *Claimant
	ClearClaimant bool
	Progress      *int
	Context       *string
	Metadata      map[string]string
}

// ClaimFilter selects claims in list operations. Zero value matches all.
type ClaimFilter struct {
	Statuses     []ClaimStatus
	Source       ClaimSource
	ClaimantType ClaimantType
}

// Matches reports whether the claim passes the filter.
func (f ClaimFilter) Matches(c *Claim) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if f.ClaimantType != "" {
		if c.Claimant == nil || c.Claimant.Type != f.ClaimantType {
			return false
		}
	}
	return true
}
