package events

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/storage"
	"github.com/natea/claimflow/pkg/telemetry"
)

// progressLine matches "[PROGRESS] 42%" markers in worker output.
var progressLine = regexp.MustCompile(`\[PROGRESS\]\s*(\d{1,3})%`)

// Aggregator normalizes the three raw input streams — storage change
// events, worker lifecycle hooks, and worker stdout/stderr lines — into
// one uniform DashboardEvent stream delivered to registered listeners.
type Aggregator struct {
	mu        sync.RWMutex
	listeners map[int]func(models.DashboardEvent)
	nextID    int
}

// NewAggregator creates an Aggregator with no listeners.
func NewAggregator() *Aggregator {
	return &Aggregator{listeners: make(map[int]func(models.DashboardEvent))}
}

// AddListener registers a listener for the normalized event stream.
// Listener panics are recovered and logged; they never stop emission.
func (a *Aggregator) AddListener(fn func(models.DashboardEvent)) storage.Unsubscribe {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// BindStorage subscribes the aggregator to a claims store so that
// create/update/delete deltas surface as claim.* events.
func (a *Aggregator) BindStorage(store storage.ClaimsStorage) storage.Unsubscribe {
	return store.Subscribe(func(ev storage.ChangeEvent) {
		switch ev.Type {
		case storage.ChangeCreated:
			a.Emit(models.NewClaimCreated(ev.Claim))
		case storage.ChangeUpdated:
			a.Emit(models.NewClaimUpdated(ev.Claim, ev.Changes))
		case storage.ChangeDeleted:
			a.Emit(models.NewClaimDeleted(ev.Claim.IssueID))
		}
	})
}

// Emit delivers an event to every listener.
func (a *Aggregator) Emit(e models.DashboardEvent) {
	telemetry.EventsBroadcastTotal.WithLabelValues(string(e.Type)).Inc()

	a.mu.RLock()
	fns := make([]func(models.DashboardEvent), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event listener panicked", "event_type", e.Type, "panic", r)
				}
			}()
			fn(e)
		}()
	}
}

// HandleHook normalizes a worker lifecycle hook into dashboard events.
func (a *Aggregator) HandleHook(hook models.AgentHook) {
	telemetry.HooksReceivedTotal.WithLabelValues(string(hook.Event)).Inc()

	switch hook.Event {
	case models.HookAgentSpawn:
		a.Emit(models.NewAgentStarted(hook.AgentID, hook.AgentType, hook.IssueID))

	case models.HookPostTask:
		progress := 0
		if hook.Progress != nil {
			progress = *hook.Progress
		}
		a.Emit(models.NewAgentProgress(hook.AgentID, hook.IssueID, progress))
		// A successful or fully progressed task is also a completion.
		if (hook.Success != nil && *hook.Success) || progress >= 100 {
			a.Emit(models.NewAgentCompleted(hook.AgentID, models.ResultSuccess, hook.IssueID))
		}

	case models.HookPostEdit:
		level := models.LogInfo
		if hook.Error != "" {
			level = models.LogWarn
		}
		msg := "edited " + hook.FilePath
		if hook.Error != "" {
			msg += ": " + hook.Error
		}
		a.Emit(models.NewAgentLog(hook.AgentID, level, msg))

	case models.HookPostCommand:
		level := models.LogInfo
		if hook.ExitCode != nil && *hook.ExitCode != 0 {
			level = models.LogError
		}
		a.Emit(models.NewAgentLog(hook.AgentID, level, "ran "+hook.Command))

	case models.HookAgentTerminate:
		result := models.ResultFailure
		if hook.Result == string(models.ResultSuccess) {
			result = models.ResultSuccess
		}
		a.Emit(models.NewAgentCompleted(hook.AgentID, result, hook.IssueID))

	default:
		slog.Warn("Unknown hook event ignored", "event", hook.Event, "agent_id", hook.AgentID)
	}
}

// HandleWorkerLine normalizes one line of worker stdout/stderr into an
// agent.log event (level inferred from the stream and a substring scan)
// plus an agent.progress event when the line carries a progress marker.
func (a *Aggregator) HandleWorkerLine(agentID, issueID, stream, line string) {
	if line == "" {
		return
	}

	level := models.LogInfo
	if stream == "stderr" {
		level = models.LogWarn
	}
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal") || strings.Contains(lower, "panic"):
		level = models.LogError
	case strings.Contains(lower, "warn"):
		level = models.LogWarn
	}
	a.Emit(models.NewAgentLog(agentID, level, line))

	if m := progressLine.FindStringSubmatch(line); m != nil {
		if p, ok := parseProgress(m[1]); ok {
			a.Emit(models.NewAgentProgress(agentID, issueID, p))
		}
	}
}

func parseProgress(s string) (int, bool) {
	p := 0
	for _, r := range s {
		p = p*10 + int(r-'0')
	}
	if p > 100 {
		return 0, false
	}
	return p, true
}
