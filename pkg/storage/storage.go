// Package storage defines the claims storage contract and its two
// implementations: an in-memory store and a PostgreSQL store.
package storage

import (
	"context"
	"errors"

	"github.com/natea/claimflow/pkg/models"
)

// ErrNotFound is returned when a claim does not exist.
var ErrNotFound = errors.New("claim not found")

// ErrAlreadyExists is returned when creating a claim whose issueId is taken.
var ErrAlreadyExists = errors.New("claim already exists")

// ErrInvalidClaim is returned when a mutation would violate a claim invariant.
var ErrInvalidClaim = errors.New("invalid claim: active status requires a claimant")

// ChangeType discriminates storage change events.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeEvent is emitted to subscribers on every mutation.
// Changes carries the modified field names → new values for updates.
type ChangeEvent struct {
	Type    ChangeType
	Claim   *models.Claim
	Changes map[string]any
}

// Unsubscribe removes a previously registered subscriber.
type Unsubscribe func()

// ClaimsStorage is the claims CRUD contract consumed by the event
// aggregator and the API layer. Implementations hand out deep copies;
// callers never share mutable state with the store.
type ClaimsStorage interface {
	// GetClaim fetches a claim by its opaque server-minted id.
	GetClaim(ctx context.Context, id string) (*models.Claim, error)
	// GetClaimByIssueID fetches a claim by its stable external-facing key.
	GetClaimByIssueID(ctx context.Context, issueID string) (*models.Claim, error)
	// ListClaims returns claims matching the filter. Empty filter = all.
	ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error)
	// CreateClaim inserts a new claim, minting ID/timestamps.
	CreateClaim(ctx context.Context, claim *models.Claim) (*models.Claim, error)
	// UpdateClaim applies a partial update by issueId. Returns nil, nil
	// when the claim does not exist.
	UpdateClaim(ctx context.Context, issueID string, update models.ClaimUpdate) (*models.Claim, error)
	// DeleteClaim removes a claim by issueId, reporting whether it existed.
	DeleteClaim(ctx context.Context, issueID string) (bool, error)
	// Subscribe registers a change callback. Callbacks run synchronously
	// with the mutation; panics are recovered by the caller side.
	Subscribe(cb func(ChangeEvent)) Unsubscribe
}

// applyUpdate mutates the claim in place per the partial update and
// returns the changed-field map. Shared by both store implementations
// so the claimant/status invariants live in exactly one place:
//
//   - status=active requires a claimant
//   - clearing the claimant forces status=backlog
//   - progress is clamped to [0, 100]
func applyUpdate(c *models.Claim, update models.ClaimUpdate) (map[string]any, error) {
	changes := make(map[string]any)

	if update.Title != nil && *update.Title != c.Title {
		c.Title = *update.Title
		changes["title"] = c.Title
	}
	if update.Description != nil && *update.Description != c.Description {
		c.Description = *update.Description
		changes["description"] = c.Description
	}
	if update.Context != nil && *update.Context != c.Context {
		c.Context = *update.Context
		changes["context"] = c.Context
	}
	if update.Metadata != nil {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			c.Metadata[k] = v
		}
		changes["metadata"] = c.Metadata
	}
	if update.Progress != nil {
		p := models.ClampProgress(*update.Progress)
		if p != c.Progress {
			c.Progress = p
			changes["progress"] = p
		}
	}
	if update.Claimant != nil {
		if err := update.Claimant.Validate(); err != nil {
			return nil, err
		}
		c.Claimant = update.Claimant
		changes["claimant"] = c.Claimant
	}
	if update.Status != nil {
		if !update.Status.IsValid() {
			return nil, errors.New("invalid claim status " + string(*update.Status))
		}
		if *update.Status != c.Status {
			c.Status = *update.Status
			changes["status"] = c.Status
		}
	}
	if update.ClearClaimant && c.Claimant != nil {
		c.Claimant = nil
		changes["claimant"] = nil
		if c.Status != models.StatusBacklog {
			c.Status = models.StatusBacklog
			changes["status"] = c.Status
		}
	}
	if c.Status == models.StatusActive && c.Claimant == nil {
		return nil, errors.New("active claim requires a claimant")
	}
	return changes, nil
}
