package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/natea/claimflow/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory ClaimsStorage. Used by tests
// and by the dashboard when no DATABASE_URL is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.Claim
	byKey  map[string]*models.Claim // issueId → claim
	subs   map[int]func(ChangeEvent)
	nextID int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*models.Claim),
		byKey: make(map[string]*models.Claim),
		subs:  make(map[int]func(ChangeEvent)),
	}
}

var _ ClaimsStorage = (*MemoryStore)(nil)

// GetClaim fetches a claim by its opaque id.
func (s *MemoryStore) GetClaim(_ context.Context, id string) (*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// GetClaimByIssueID fetches a claim by its external-facing key.
func (s *MemoryStore) GetClaimByIssueID(_ context.Context, issueID string) (*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byKey[issueID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListClaims returns claims matching the filter, oldest first.
func (s *MemoryStore) ListClaims(_ context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	s.mu.RLock()
	out := make([]*models.Claim, 0, len(s.byKey))
	for _, c := range s.byKey {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateClaim inserts a new claim, minting the id and timestamps.
func (s *MemoryStore) CreateClaim(_ context.Context, claim *models.Claim) (*models.Claim, error) {
	c := claim.Clone()
	if c.IssueID == "" {
		c.IssueID = "claim-" + uuid.NewString()[:8]
	}
	if c.Status == "" {
		c.Status = models.StatusBacklog
	}
	if c.Source == "" {
		c.Source = models.SourceManual
	}
	c.Progress = models.ClampProgress(c.Progress)
	if c.Status == models.StatusActive && c.Claimant == nil {
		return nil, ErrInvalidClaim
	}
	now := time.Now()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.byKey[c.IssueID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	s.byID[c.ID] = c
	s.byKey[c.IssueID] = c
	s.mu.Unlock()

	s.notify(ChangeEvent{Type: ChangeCreated, Claim: c.Clone()})
	return c.Clone(), nil
}

// UpdateClaim applies a partial update by issueId. Returns nil, nil when
// the claim does not exist.
func (s *MemoryStore) UpdateClaim(_ context.Context, issueID string, update models.ClaimUpdate) (*models.Claim, error) {
	s.mu.Lock()
	c, ok := s.byKey[issueID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	// Apply to a copy so a rejected update leaves the stored claim untouched.
	c = c.Clone()
	changes, err := applyUpdate(c, update)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(changes) > 0 {
		c.UpdatedAt = time.Now()
		s.byID[c.ID] = c
		s.byKey[issueID] = c
	}
	snapshot := c.Clone()
	s.mu.Unlock()

	if len(changes) > 0 {
		s.notify(ChangeEvent{Type: ChangeUpdated, Claim: snapshot.Clone(), Changes: changes})
	}
	return snapshot, nil
}

// DeleteClaim removes a claim by issueId.
func (s *MemoryStore) DeleteClaim(_ context.Context, issueID string) (bool, error) {
	s.mu.Lock()
	c, ok := s.byKey[issueID]
	if ok {
		delete(s.byKey, issueID)
		delete(s.byID, c.ID)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	s.notify(ChangeEvent{Type: ChangeDeleted, Claim: c.Clone()})
	return true, nil
}

// Subscribe registers a change callback.
func (s *MemoryStore) Subscribe(cb func(ChangeEvent)) Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *MemoryStore) notify(ev ChangeEvent) {
	s.mu.RLock()
	cbs := make([]func(ChangeEvent), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Storage subscriber panicked", "panic", r)
				}
			}()
			cb(ev)
		}()
	}
}
