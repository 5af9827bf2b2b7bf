package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/natea/claimflow/pkg/dashboard"
	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/router"
	"github.com/natea/claimflow/pkg/spawner"
)

// fakeDashboard is an in-memory DashboardAPI recording mutating calls.
type fakeDashboard struct {
	mu     sync.Mutex
	claims map[string]*models.Claim // issueID → claim

	claimIssueCalls   []string // issueIDs (resolved)
	statusCalls       []statusCall
	releaseCalls      []string
	connectErr        error
	streamSubscribers []func(events.ServerFrame)
}

type statusCall struct {
	issueID  string
	status   models.ClaimStatus
	progress *int
}

func newFakeDashboard() *fakeDashboard {
	return &fakeDashboard{claims: make(map[string]*models.Claim)}
}

func (f *fakeDashboard) seed(issueID, title string, status models.ClaimStatus) *models.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &models.Claim{ID: "id-" + issueID, IssueID: issueID, Title: title, Status: status}
	f.claims[issueID] = c
	return c.Clone()
}

// resolve accepts either key, like the real dashboard.
func (f *fakeDashboard) resolve(id string) *models.Claim {
	if c, ok := f.claims[id]; ok {
		return c
	}
	for _, c := range f.claims {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeDashboard) FetchClaims(_ context.Context, filter dashboard.ClaimFilter) ([]*models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Claim
	for _, c := range f.claims {
		match := len(filter.Statuses) == 0
		for _, s := range filter.Statuses {
			if c.Status == s {
				match = true
			}
		}
		if match {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *fakeDashboard) FetchClaim(_ context.Context, id string) (*models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.resolve(id)
	if c == nil {
		return nil, nil
	}
	return c.Clone(), nil
}

func (f *fakeDashboard) ClaimIssue(_ context.Context, id string, claimant models.Claimant) (*models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.resolve(id)
	if c == nil {
		return nil, fmt.Errorf("claim %s not found", id)
	}
	c.Claimant = &claimant
	c.Status = models.StatusActive
	f.claimIssueCalls = append(f.claimIssueCalls, c.IssueID)
	return c.Clone(), nil
}

func (f *fakeDashboard) UpdateClaimStatus(_ context.Context, id string, status models.ClaimStatus, progress *int) (*models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.resolve(id)
	if c == nil {
		return nil, fmt.Errorf("claim %s not found", id)
	}
	c.Status = status
	if progress != nil {
		c.Progress = *progress
	}
	f.statusCalls = append(f.statusCalls, statusCall{issueID: c.IssueID, status: status, progress: progress})
	return c.Clone(), nil
}

func (f *fakeDashboard) ReleaseClaim(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.resolve(id)
	if c == nil {
		return fmt.Errorf("claim %s not found", id)
	}
	c.Claimant = nil
	c.Status = models.StatusBacklog
	f.releaseCalls = append(f.releaseCalls, c.IssueID)
	return nil
}

func (f *fakeDashboard) Connect(context.Context) error { return f.connectErr }
func (f *fakeDashboard) Disconnect()                   {}

func (f *fakeDashboard) Subscribe(cb func(events.ServerFrame)) dashboard.Unsubscribe {
	f.mu.Lock()
	f.streamSubscribers = append(f.streamSubscribers, cb)
	f.mu.Unlock()
	return func() {}
}

// push delivers a stream frame to subscribers, like the real client.
func (f *fakeDashboard) push(frame events.ServerFrame) {
	f.mu.Lock()
	subs := append([]func(events.ServerFrame){}, f.streamSubscribers...)
	f.mu.Unlock()
	for _, cb := range subs {
		cb(frame)
	}
}

func (f *fakeDashboard) statusCallsFor(issueID string) []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []statusCall
	for _, c := range f.statusCalls {
		if c.issueID == issueID {
			out = append(out, c)
		}
	}
	return out
}

// fakeSpawner scripts spawn outcomes and lets tests fire lifecycle events.
type fakeSpawner struct {
	mu        sync.Mutex
	spawns    []spawner.SpawnOptions
	callback  func(spawner.LifecycleEvent)
	nextID    int
	onSpawn   func(attempt int, opts spawner.SpawnOptions) spawner.SpawnResult
	live      map[string]spawner.SpawnOptions // agentID → opts
	termCalls []string
	termAll   int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{live: make(map[string]spawner.SpawnOptions)}
}

// succeedAlways scripts every spawn to succeed with a fresh agent id.
func (f *fakeSpawner) succeedAlways() {
	f.onSpawn = func(int, spawner.SpawnOptions) spawner.SpawnResult {
		return spawner.SpawnResult{Success: true}
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, opts spawner.SpawnOptions) spawner.SpawnResult {
	f.mu.Lock()
	f.spawns = append(f.spawns, opts)
	attempt := len(f.spawns)
	f.nextID++
	autoID := fmt.Sprintf("%s-%06x", opts.AgentType, f.nextID)
	script := f.onSpawn
	f.mu.Unlock()

	res := spawner.SpawnResult{Success: true}
	if script != nil {
		res = script(attempt, opts)
	}
	if res.Success && res.AgentID == "" {
		res.AgentID = autoID
	}
	if res.Success {
		res.PID = 1000 + attempt
		f.mu.Lock()
		f.live[res.AgentID] = opts
		f.mu.Unlock()
	}
	return res
}

func (f *fakeSpawner) Terminate(agentID string) {
	f.mu.Lock()
	opts, ok := f.live[agentID]
	delete(f.live, agentID)
	f.termCalls = append(f.termCalls, agentID)
	cb := f.callback
	f.mu.Unlock()
	if ok && cb != nil {
		cb(spawner.LifecycleEvent{
			Type: spawner.LifecycleFailed, AgentID: agentID,
			ClaimID: opts.ClaimID, IssueID: opts.IssueID,
			Error: "terminated by orchestrator",
		})
	}
}

func (f *fakeSpawner) TerminateAll() {
	f.mu.Lock()
	f.termAll++
	ids := make([]string, 0, len(f.live))
	for id := range f.live {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Terminate(id)
	}
}

func (f *fakeSpawner) OnLifecycle(cb func(spawner.LifecycleEvent)) {
	f.mu.Lock()
	f.callback = cb
	f.mu.Unlock()
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

// complete fires a completed lifecycle event for a live agent.
func (f *fakeSpawner) complete(agentID string) {
	f.mu.Lock()
	opts := f.live[agentID]
	delete(f.live, agentID)
	cb := f.callback
	f.mu.Unlock()
	cb(spawner.LifecycleEvent{
		Type: spawner.LifecycleCompleted, AgentID: agentID,
		ClaimID: opts.ClaimID, IssueID: opts.IssueID, Output: "done",
	})
}

// fail fires a failed lifecycle event for a live agent.
func (f *fakeSpawner) fail(agentID, reason string) {
	f.mu.Lock()
	opts := f.live[agentID]
	delete(f.live, agentID)
	cb := f.callback
	f.mu.Unlock()
	cb(spawner.LifecycleEvent{
		Type: spawner.LifecycleFailed, AgentID: agentID,
		ClaimID: opts.ClaimID, IssueID: opts.IssueID, Error: reason,
	})
}

func (f *fakeSpawner) liveIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.live))
	for id := range f.live {
		ids = append(ids, id)
	}
	return ids
}

// staticRouter always returns the same decision.
type staticRouter struct{}

func (staticRouter) Route(context.Context, router.Task) router.Result {
	return router.Result{AgentType: "coder", ModelTier: models.TierSonnet, Confidence: 0.5}
}
