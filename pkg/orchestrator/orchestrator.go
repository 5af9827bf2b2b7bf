package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/natea/claimflow/pkg/config"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/spawner"
)

// retryTickInterval is the retry queue scan cadence.
const retryTickInterval = time.Second

// Orchestrator coordinates the worker pool against the claims backlog.
// All mutable state is guarded by mu; the mutex is the single logical
// owner the callbacks and tickers serialize through.
type Orchestrator struct {
	cfg     *config.OrchestratorConfig
	client  DashboardAPI
	spawner Spawner
	router  TaskRouter

	mu            sync.Mutex
	status        Status
	agents        map[string]*models.SpawnedAgent // agentID → agent
	agentByClaim  map[string]string               // claimID → agentID
	retryQueue    map[string]*models.RetryEntry   // claimID → entry
	processing    map[string]bool                 // claimIDs in flight this tick
	lastHeartbeat time.Time

	// pendingLifecycle stashes events that outran the live-table insert.
	pendingLifecycle map[string][]spawner.LifecycleEvent

	claimsProcessed int
	claimsSucceeded int
	claimsFailed    int

	subs   map[int]func(Event)
	nextID int

	stopCh      chan struct{}
	loopsDone   sync.WaitGroup
	unsubscribe func()

	// shutdownDone closes when the live table empties during Stop.
	shutdownDone chan struct{}
	stoppedDone  chan struct{} // closed when Stop fully finishes
	stopOnce     sync.Once
}

// New creates an Orchestrator in the idle state.
func New(cfg *config.OrchestratorConfig, client DashboardAPI, sp Spawner, r TaskRouter) *Orchestrator {
	return &Orchestrator{
		cfg:              cfg,
		client:           client,
		spawner:          sp,
		router:           r,
		status:           StatusIdle,
		agents:           make(map[string]*models.SpawnedAgent),
		agentByClaim:     make(map[string]string),
		retryQueue:       make(map[string]*models.RetryEntry),
		processing:       make(map[string]bool),
		pendingLifecycle: make(map[string][]spawner.LifecycleEvent),
		subs:             make(map[int]func(Event)),
		stopCh:           make(chan struct{}),
		stoppedDone:      make(chan struct{}),
	}
}

// Subscribe registers a callback for local orchestrator events.
func (o *Orchestrator) Subscribe(cb func(Event)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = cb
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	cbs := make([]func(Event), 0, len(o.subs))
	for _, cb := range o.subs {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Orchestrator subscriber panicked", "panic", r)
				}
			}()
			cb(ev)
		}()
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Status:          o.status,
		ActiveAgents:    len(o.agents),
		RetryQueueDepth: len(o.retryQueue),
		ClaimsProcessed: o.claimsProcessed,
		ClaimsSucceeded: o.claimsSucceeded,
		ClaimsFailed:    o.claimsFailed,
	}
}

// Start connects the event stream and begins the poll and retry loops.
// Only legal from idle.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if !canTransition(o.status, StatusRunning) {
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("cannot start orchestrator from status %q", status)
	}
	o.mu.Unlock()

	if err := o.client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting dashboard stream: %w", err)
	}
	o.unsubscribe = o.client.Subscribe(o.handleStreamMessage)
	o.spawner.OnLifecycle(o.handleLifecycle)

	o.mu.Lock()
	o.status = StatusRunning
	o.mu.Unlock()

	o.loopsDone.Add(2)
	go o.pollLoop(ctx)
	go o.retryLoop(ctx)

	slog.Info("Orchestrator started",
		"max_agents", o.cfg.MaxAgents,
		"max_retries", o.cfg.MaxRetries,
		"poll_interval", o.cfg.PollInterval)
	o.emit(Event{Type: EventStarted})
	return nil
}

// Pause suspends polling. Invalid transitions log and no-op.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(o.status, StatusPaused) {
		slog.Warn("Ignoring pause", "status", o.status)
		return
	}
	o.status = StatusPaused
	slog.Info("Orchestrator paused")
}

// Resume restarts polling after a pause. Invalid transitions log and no-op.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusPaused {
		slog.Warn("Ignoring resume", "status", o.status)
		return
	}
	o.status = StatusRunning
	slog.Info("Orchestrator resumed")
}

// Stop transitions to stopped immediately, then waits for live workers
// up to the graceful shutdown deadline before hard-killing them.
// Concurrent Stop calls coalesce; every caller returns once shutdown
// completes.
func (o *Orchestrator) Stop(reason string) {
	o.mu.Lock()
	if o.status == StatusStopped {
		o.mu.Unlock()
		<-o.stoppedDone
		return
	}
	o.status = StatusStopped
	liveCount := len(o.agents)
	o.shutdownDone = make(chan struct{})
	if liveCount == 0 {
		close(o.shutdownDone)
	}
	o.mu.Unlock()

	o.stopOnce.Do(func() {
		slog.Info("Orchestrator stopping", "reason", reason, "live_agents", liveCount)
		close(o.stopCh)
		o.loopsDone.Wait()
		if o.unsubscribe != nil {
			o.unsubscribe()
		}

		if liveCount > 0 {
			timer := time.AfterFunc(o.cfg.GracefulShutdown, func() {
				slog.Warn("Graceful shutdown deadline reached, terminating workers")
				o.spawner.TerminateAll()
			})
			<-o.shutdownDone
			timer.Stop()
		}

		o.client.Disconnect()
		slog.Info("Orchestrator stopped")
		o.emit(Event{Type: EventStopped})
		close(o.stoppedDone)
	})
	<-o.stoppedDone
}

// checkShutdownComplete resolves the shutdown wait once the live table
// empties after Stop. Callers hold no locks.
func (o *Orchestrator) checkShutdownComplete() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusStopped && len(o.agents) == 0 && o.shutdownDone != nil {
		select {
		case <-o.shutdownDone:
		default:
			close(o.shutdownDone)
		}
	}
}

// shouldProcess gates polling: running and below capacity.
func (o *Orchestrator) shouldProcess() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status == StatusRunning && len(o.agents) < o.cfg.MaxAgents
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.loopsDone.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	// Immediate initial tick.
	o.pollOnce(ctx)
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.pollOnce(ctx)
		}
	}
}

func (o *Orchestrator) retryLoop(ctx context.Context) {
	defer o.loopsDone.Done()

	ticker := time.NewTicker(retryTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.processRetries(ctx)
		}
	}
}
