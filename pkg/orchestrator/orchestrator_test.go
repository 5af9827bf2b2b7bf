package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natea/claimflow/pkg/config"
	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/spawner"
)

func testConfig(maxAgents, maxRetries int) *config.OrchestratorConfig {
	return &config.OrchestratorConfig{
		DashboardURL:     "http://localhost:8080",
		MaxAgents:        maxAgents,
		MaxRetries:       maxRetries,
		BaseRetryDelay:   time.Second,
		PollInterval:     50 * time.Millisecond,
		GracefulShutdown: 30 * time.Second,
		WorkerCommand:    "worker",
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) last(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func newTestOrchestrator(t *testing.T, cfg *config.OrchestratorConfig) (*Orchestrator, *fakeDashboard, *fakeSpawner, *eventLog) {
	t.Helper()
	dash := newFakeDashboard()
	sp := newFakeSpawner()
	o := New(cfg, dash, sp, staticRouter{})
	log := &eventLog{}
	o.Subscribe(log.record)
	return o, dash, sp, log
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

// Scenario 1: happy path — one claim, one agent, clean completion.
func TestHappyPath(t *testing.T) {
	o, dash, sp, log := newTestOrchestrator(t, testConfig(1, 0))
	dash.seed("T-1", "Fix bug", models.StatusBacklog)
	sp.succeedAlways()

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	waitUntil(t, func() bool { return len(sp.liveIDs()) == 1 }, "worker never spawned")
	agentID := sp.liveIDs()[0]
	sp.complete(agentID)

	waitUntil(t, func() bool { return o.Stats().ClaimsSucceeded == 1 }, "completion never counted")

	dash.mu.Lock()
	claimCalls := append([]string{}, dash.claimIssueCalls...)
	dash.mu.Unlock()
	assert.Equal(t, []string{"T-1"}, claimCalls, "ClaimIssue called exactly once")

	review := dash.statusCallsFor("T-1")
	require.Len(t, review, 1)
	assert.Equal(t, models.StatusReviewRequested, review[0].status)
	require.NotNil(t, review[0].progress)
	assert.Equal(t, 100, *review[0].progress)

	stats := o.Stats()
	assert.Equal(t, 0, stats.ActiveAgents, "terminal agent left the live table")
	assert.Equal(t, 1, log.count(EventAgentCompleted))
}

// Scenario 2: first attempt fails, retry succeeds.
func TestRetryThenSucceed(t *testing.T) {
	cfg := testConfig(1, 2)
	cfg.BaseRetryDelay = time.Second
	o, dash, sp, _ := newTestOrchestrator(t, cfg)
	dash.seed("T-1", "Fix bug", models.StatusBacklog)
	sp.onSpawn = func(attempt int, _ spawner.SpawnOptions) spawner.SpawnResult {
		if attempt == 1 {
			return spawner.SpawnResult{Success: false, Error: "no capacity on host"}
		}
		return spawner.SpawnResult{Success: true}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	// First attempt fails and schedules a retry within the backoff bounds.
	waitUntil(t, func() bool { return o.Stats().RetryQueueDepth == 1 }, "no retry scheduled")
	o.mu.Lock()
	entry := o.retryQueue["id-T-1"]
	o.mu.Unlock()
	require.NotNil(t, entry)
	until := time.Until(entry.NextRetryAt)
	assert.Greater(t, until, 700*time.Millisecond, "minimum backoff is ~baseDelay")
	assert.LessOrEqual(t, until, 1300*time.Millisecond, "maximum backoff is 1.3·baseDelay")
	assert.Equal(t, 1, entry.Attempts)

	// The retry fires, the second spawn succeeds, the worker completes.
	waitUntil(t, func() bool { return len(sp.liveIDs()) == 1 }, "retry never spawned")
	sp.complete(sp.liveIDs()[0])

	waitUntil(t, func() bool { return o.Stats().ClaimsSucceeded == 1 }, "retry never completed")
	stats := o.Stats()
	assert.Equal(t, 0, stats.ClaimsFailed)
	assert.Equal(t, 0, stats.RetryQueueDepth)
	assert.Equal(t, 2, sp.spawnCount())
}

// Scenario 3: retries exhausted, claim blocked.
func TestRetryExhaustion(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.BaseRetryDelay = 100 * time.Millisecond
	o, dash, sp, log := newTestOrchestrator(t, cfg)
	dash.seed("T-1", "Fix bug", models.StatusBacklog)
	sp.onSpawn = func(int, spawner.SpawnOptions) spawner.SpawnResult {
		return spawner.SpawnResult{Success: false, Error: "spawn keeps failing"}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	waitUntil(t, func() bool { return o.Stats().ClaimsFailed == 1 }, "claim never failed terminally")

	blocked := 0
	for _, call := range dash.statusCallsFor("T-1") {
		if call.status == models.StatusBlocked {
			blocked++
		}
	}
	assert.Equal(t, 1, blocked, "exactly one blocked update")
	assert.Equal(t, 0, o.Stats().RetryQueueDepth)
	assert.Equal(t, 2, sp.spawnCount(), "maxRetries=1 means two attempts")

	failed, ok := log.last(EventAgentFailed)
	require.True(t, ok)
	assert.False(t, failed.WillRetry)
}

// maxRetries=0 means a single attempt and no retry queue entries.
func TestNoRetriesMeansSingleAttempt(t *testing.T) {
	o, dash, sp, _ := newTestOrchestrator(t, testConfig(1, 0))
	dash.seed("T-1", "Fix bug", models.StatusBacklog)
	sp.onSpawn = func(int, spawner.SpawnOptions) spawner.SpawnResult {
		return spawner.SpawnResult{Success: false, Error: "nope"}
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	waitUntil(t, func() bool { return o.Stats().ClaimsFailed == 1 }, "claim never failed")
	assert.Equal(t, 1, sp.spawnCount())
	assert.Equal(t, 0, o.Stats().RetryQueueDepth)
}

// Scenario 4: backpressure — capacity bounds spawns per poll burst.
func TestBackpressure(t *testing.T) {
	o, dash, sp, log := newTestOrchestrator(t, testConfig(2, 0))
	for _, id := range []string{"T-1", "T-2", "T-3", "T-4", "T-5"} {
		dash.seed(id, "work "+id, models.StatusBacklog)
	}
	sp.succeedAlways()

	o.mu.Lock()
	o.status = StatusRunning
	o.mu.Unlock()
	o.pollOnce(context.Background())

	assert.Equal(t, 2, sp.spawnCount(), "exactly maxAgents spawns")
	assert.Equal(t, 2, o.Stats().ActiveAgents)
	assert.Equal(t, 1, log.count(EventCapacityReached))

	// Remaining claims sit untouched until a terminal frees capacity.
	o.pollOnce(context.Background())
	assert.Equal(t, 2, sp.spawnCount())

	sp.complete(sp.liveIDs()[0])
	waitUntil(t, func() bool { return o.Stats().ActiveAgents == 1 }, "terminal not processed")
	o.pollOnce(context.Background())
	assert.Equal(t, 3, sp.spawnCount(), "freed capacity admits one more claim")
}

// Scenario 6: graceful shutdown with one cooperative and one hung worker.
func TestGracefulShutdownWithTimeout(t *testing.T) {
	cfg := testConfig(2, 0)
	cfg.GracefulShutdown = 2 * time.Second
	o, dash, sp, log := newTestOrchestrator(t, cfg)
	dash.seed("T-1", "quick", models.StatusBacklog)
	dash.seed("T-2", "hung", models.StatusBacklog)
	sp.succeedAlways()

	require.NoError(t, o.Start(context.Background()))
	waitUntil(t, func() bool { return o.Stats().ActiveAgents == 2 }, "workers never spawned")

	// Identify the worker on T-1 so the right one cooperates.
	var quickID string
	for _, id := range sp.liveIDs() {
		sp.mu.Lock()
		opts := sp.live[id]
		sp.mu.Unlock()
		if opts.IssueID == "T-1" {
			quickID = id
		}
	}
	require.NotEmpty(t, quickID)

	stopReturned := make(chan struct{})
	go func() {
		o.Stop("test")
		close(stopReturned)
	}()

	// Stop rejects new work immediately.
	waitUntil(t, func() bool { return o.Status() == StatusStopped }, "status not stopped")

	// The cooperative worker exits within the grace window.
	time.Sleep(100 * time.Millisecond)
	sp.complete(quickID)

	select {
	case <-stopReturned:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	sp.mu.Lock()
	termAll := sp.termAll
	sp.mu.Unlock()
	assert.Equal(t, 1, termAll, "TerminateAll fired at the deadline for the hung worker")
	assert.Equal(t, 1, log.count(EventStopped), "orchestrator:stopped emitted exactly once")
	assert.Equal(t, 0, o.Stats().ActiveAgents)
	assert.Equal(t, 1, o.Stats().ClaimsSucceeded)
}

func TestStopWithNoAgentsReturnsImmediately(t *testing.T) {
	o, _, _, log := newTestOrchestrator(t, testConfig(1, 0))
	require.NoError(t, o.Start(context.Background()))

	done := make(chan struct{})
	go func() { o.Stop("test"); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung with no live agents")
	}
	assert.Equal(t, 1, log.count(EventStopped))

	// Concurrent and repeated stops coalesce.
	o.Stop("again")
	assert.Equal(t, 1, log.count(EventStopped))
}

func TestStatusMachine(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, testConfig(1, 0))
	assert.Equal(t, StatusIdle, o.Status())

	o.Pause() // invalid from idle: no-op
	assert.Equal(t, StatusIdle, o.Status())

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, StatusRunning, o.Status())

	assert.Error(t, o.Start(context.Background()), "second start rejected")

	o.Pause()
	assert.Equal(t, StatusPaused, o.Status())
	o.Resume()
	assert.Equal(t, StatusRunning, o.Status())

	o.Stop("test")
	assert.Equal(t, StatusStopped, o.Status())
	o.Pause() // no transitions out of stopped
	assert.Equal(t, StatusStopped, o.Status())
}

func TestPausedOrchestratorDoesNotSpawn(t *testing.T) {
	o, dash, sp, _ := newTestOrchestrator(t, testConfig(1, 0))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")
	o.Pause()

	dash.seed("T-1", "work", models.StatusBacklog)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, sp.spawnCount())

	o.Resume()
	waitUntil(t, func() bool { return sp.spawnCount() == 1 }, "resume did not restart polling")
}

func TestStreamBacklogEventTriggersProcessing(t *testing.T) {
	cfg := testConfig(1, 0)
	cfg.PollInterval = time.Hour // only the stream path can trigger work
	o, dash, sp, _ := newTestOrchestrator(t, cfg)
	sp.succeedAlways()

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")
	time.Sleep(100 * time.Millisecond) // let the initial empty poll pass

	claim := dash.seed("T-9", "from stream", models.StatusBacklog)
	dash.push(events.ServerFrame{Type: events.FrameEvent, Event: &models.DashboardEvent{
		Type: models.EventClaimCreated, Claim: claim, IssueID: claim.IssueID,
	}})

	waitUntil(t, func() bool { return sp.spawnCount() == 1 }, "stream event did not trigger a spawn")
}

func TestCommandFramesSteerTheOrchestrator(t *testing.T) {
	o, dash, _, _ := newTestOrchestrator(t, testConfig(1, 0))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	dash.push(events.ServerFrame{Type: events.FrameCommand, Command: "pause"})
	waitUntil(t, func() bool { return o.Status() == StatusPaused }, "pause command ignored")

	dash.push(events.ServerFrame{Type: events.FrameCommand, Command: "resume"})
	waitUntil(t, func() bool { return o.Status() == StatusRunning }, "resume command ignored")

	dash.push(events.ServerFrame{Type: events.FrameCommand, Command: "stop"})
	waitUntil(t, func() bool { return o.Status() == StatusStopped }, "stop command ignored")
}

// A worker that completes before the live-table insert lands must still
// be accounted for (the stash-and-replay path).
func TestSynchronousCompletionIsNotLost(t *testing.T) {
	o, dash, sp, _ := newTestOrchestrator(t, testConfig(1, 0))
	dash.seed("T-1", "instant", models.StatusBacklog)
	sp.onSpawn = func(_ int, opts spawner.SpawnOptions) spawner.SpawnResult {
		res := spawner.SpawnResult{Success: true, AgentID: "coder-fast01"}
		// Terminal event fires before Spawn even returns.
		sp.mu.Lock()
		cb := sp.callback
		sp.mu.Unlock()
		cb(spawner.LifecycleEvent{
			Type: spawner.LifecycleCompleted, AgentID: res.AgentID,
			ClaimID: opts.ClaimID, IssueID: opts.IssueID,
		})
		return res
	}

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	waitUntil(t, func() bool { return o.Stats().ClaimsSucceeded == 1 }, "synchronous completion lost")
	assert.Equal(t, 0, o.Stats().ActiveAgents)
}

func TestUniquenessOneLiveAgentPerClaim(t *testing.T) {
	o, dash, sp, _ := newTestOrchestrator(t, testConfig(5, 0))
	claim := dash.seed("T-1", "work", models.StatusBacklog)
	sp.succeedAlways()

	o.mu.Lock()
	o.status = StatusRunning
	o.mu.Unlock()

	o.processClaim(context.Background(), claim, 1)
	o.processClaim(context.Background(), claim, 1) // second call must be a no-op

	assert.Equal(t, 1, sp.spawnCount())
	assert.Equal(t, 1, o.Stats().ActiveAgents)
}

func TestLifecycleFailureReleasesClaimAndRetries(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.BaseRetryDelay = 100 * time.Millisecond
	o, dash, sp, log := newTestOrchestrator(t, cfg)
	dash.seed("T-1", "flaky", models.StatusBacklog)
	sp.succeedAlways()

	require.NoError(t, o.Start(context.Background()))
	defer o.Stop("test")

	waitUntil(t, func() bool { return len(sp.liveIDs()) == 1 }, "no worker")
	sp.fail(sp.liveIDs()[0], "worker crashed")

	failed, ok := log.last(EventAgentFailed)
	require.True(t, ok)
	assert.True(t, failed.WillRetry)

	dash.mu.Lock()
	released := len(dash.releaseCalls)
	dash.mu.Unlock()
	assert.Equal(t, 1, released, "failed claim released for the retry")

	// Retry respawns and the second run completes.
	waitUntil(t, func() bool { return len(sp.liveIDs()) == 1 }, "retry never spawned")
	sp.complete(sp.liveIDs()[0])
	waitUntil(t, func() bool { return o.Stats().ClaimsSucceeded == 1 }, "retry never succeeded")
}
