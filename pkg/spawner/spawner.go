// Package spawner owns external worker processes: per-claim filesystem
// isolation via git worktrees, launch with captured output, lifecycle
// events, and soft-then-hard termination.
package spawner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/telemetry"
)

const (
	// terminateGrace is the window between SIGTERM and SIGKILL.
	terminateGrace = 5 * time.Second
	// outputBufferBytes bounds each captured stream.
	outputBufferBytes = 64 * 1024
	// stdoutTailBytes is how much trailing stdout a failure report carries.
	stdoutTailBytes = 500
	// hookTimeout bounds one lifecycle hook POST.
	hookTimeout = 5 * time.Second
)

var progressMarker = regexp.MustCompile(`\[PROGRESS\]\s*(\d{1,3})%`)

// Config configures the Spawner.
type Config struct {
	// WorkerCommand is the external worker program. The prompt is passed
	// as its single argument.
	WorkerCommand string
	// RepoRoot is the version-controlled repository workers operate on.
	RepoRoot string
	// DashboardURL and HookURL are exported to workers via the environment.
	DashboardURL string
	HookURL      string
	// UseWorktrees enables per-claim filesystem isolation.
	UseWorktrees bool
	// CleanupWorktrees removes a worktree after a successful run.
	CleanupWorktrees bool
}

// SpawnOptions describes one worker launch.
type SpawnOptions struct {
	AgentType string
	ModelTier models.ModelTier
	ClaimID   string
	IssueID   string
	Context   string
}

// SpawnResult is the outcome of a Spawn call. Spawn never returns an
// error across the API boundary — failures come back as Success=false.
type SpawnResult struct {
	Success bool
	AgentID string
	PID     int
	Error   string
}

// LifecycleEventType discriminates lifecycle callbacks.
type LifecycleEventType string

const (
	LifecycleStarted   LifecycleEventType = "started"
	LifecycleProgress  LifecycleEventType = "progress"
	LifecycleCompleted LifecycleEventType = "completed"
	LifecycleFailed    LifecycleEventType = "failed"
)

// LifecycleEvent is the payload delivered to the lifecycle callback.
type LifecycleEvent struct {
	Type     LifecycleEventType
	AgentID  string
	ClaimID  string
	IssueID  string
	Progress int    // progress events
	Output   string // trailing stdout on completion
	Error    string // failure reason
}

// liveAgent tracks one running worker.
type liveAgent struct {
	agent models.SpawnedAgent
	cmd   *exec.Cmd
	done  chan struct{} // closed when the monitor finishes

	mu         sync.Mutex
	termReason string
}

func (a *liveAgent) markTerminated(reason string) {
	a.mu.Lock()
	a.termReason = reason
	a.mu.Unlock()
}

func (a *liveAgent) terminatedReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.termReason
}

// Spawner launches and supervises worker processes.
type Spawner struct {
	cfg      Config
	http     *http.Client
	callback func(LifecycleEvent)

	mu           sync.Mutex
	agents       map[string]*liveAgent
	shuttingDown bool
}

// New creates a Spawner.
func New(cfg Config) *Spawner {
	return &Spawner{
		cfg:    cfg,
		http:   &http.Client{Timeout: hookTimeout},
		agents: make(map[string]*liveAgent),
	}
}

// OnLifecycle sets the lifecycle callback. Must be called before Spawn.
func (s *Spawner) OnLifecycle(cb func(LifecycleEvent)) {
	s.callback = cb
}

// ActiveCount returns the number of live workers.
func (s *Spawner) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Spawn prepares isolation, launches the worker, and begins supervision.
func (s *Spawner) Spawn(ctx context.Context, opts SpawnOptions) SpawnResult {
	start := time.Now()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return SpawnResult{Success: false, Error: "spawner is shutting down"}
	}
	s.mu.Unlock()

	agentID := models.NewAgentID(opts.AgentType)
	log := slog.With("agent_id", agentID, "issue_id", opts.IssueID)

	workDir := s.cfg.RepoRoot
	inWorktree := false
	if s.cfg.UseWorktrees {
		dir, err := setupWorktree(ctx, s.cfg.RepoRoot, opts.IssueID)
		if err != nil {
			log.Warn("Worktree setup failed, using main repo directory", "error", err)
		} else {
			workDir = dir
			inWorktree = true
		}
	}

	prompt := buildPrompt(opts, inWorktree)

	cmd := exec.Command(s.cfg.WorkerCommand, prompt)
	cmd.Dir = workDir
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+agentID,
		"CLAIM_ID="+opts.ClaimID,
		"ISSUE_ID="+opts.IssueID,
		"DASHBOARD_URL="+s.cfg.DashboardURL,
		"DASHBOARD_HOOK_URL="+s.cfg.HookURL,
	)
	// Own process group so termination reaches worker descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return SpawnResult{Success: false, Error: fmt.Sprintf("stderr pipe: %v", err)}
	}

	live := &liveAgent{
		agent: models.SpawnedAgent{
			AgentID:   agentID,
			AgentType: opts.AgentType,
			ModelTier: opts.ModelTier,
			ClaimID:   opts.ClaimID,
			IssueID:   opts.IssueID,
			Status:    models.AgentSpawning,
			SpawnedAt: start,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Record the live agent before the process can produce any event, so
	// a synchronously completing worker cannot race ahead of the tracker.
	s.mu.Lock()
	s.agents[agentID] = live
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		delete(s.agents, agentID)
		s.mu.Unlock()
		close(live.done)
		return SpawnResult{Success: false, AgentID: agentID, Error: fmt.Sprintf("starting worker: %v", err)}
	}

	telemetry.ActiveAgents.Inc()
	telemetry.SpawnDuration.Observe(time.Since(start).Seconds())
	log.Info("Worker spawned", "pid", cmd.Process.Pid, "dir", workDir, "worktree", inWorktree)

	s.postHook(models.AgentHook{
		AgentID:   agentID,
		AgentType: opts.AgentType,
		ClaimID:   opts.ClaimID,
		IssueID:   opts.IssueID,
		Event:     models.HookAgentSpawn,
		Timestamp: time.Now(),
	})
	s.emit(LifecycleEvent{Type: LifecycleStarted, AgentID: agentID, ClaimID: opts.ClaimID, IssueID: opts.IssueID})

	go s.monitor(live, stdout, stderr, workDir, inWorktree)

	return SpawnResult{Success: true, AgentID: agentID, PID: cmd.Process.Pid}
}

// buildPrompt assembles the worker prompt. In-worktree workers must not
// switch branches; out-of-worktree workers create the branch themselves.
func buildPrompt(opts SpawnOptions, inWorktree bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s agent working on issue %s.\n", opts.AgentType, opts.IssueID)
	if opts.Context != "" {
		b.WriteString("\n")
		b.WriteString(opts.Context)
		b.WriteString("\n")
	}
	branch := BranchForIssue(opts.IssueID)
	if inWorktree {
		fmt.Fprintf(&b, "\nYou are already on branch %s in an isolated worktree. Do not switch branches.\n", branch)
	} else {
		fmt.Fprintf(&b, "\nCreate and check out branch %s before making changes.\n", branch)
	}
	b.WriteString("Report progress as lines of the form \"[PROGRESS] <N>%\".\n")
	return b.String()
}

// monitor drains the worker's output, waits for exit, classifies the
// result, and always: removes the agent from the live table before
// emitting the terminal event, posts a best-effort hook, and invokes the
// lifecycle callback.
func (s *Spawner) monitor(live *liveAgent, stdout, stderr io.Reader, workDir string, inWorktree bool) {
	defer close(live.done)

	agentID := live.agent.AgentID
	outBuf := newRingBuffer(outputBufferBytes)
	errBuf := newRingBuffer(outputBufferBytes)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drain(live, stdout, outBuf, true)
	}()
	go func() {
		defer wg.Done()
		s.drain(live, stderr, errBuf, false)
	}()
	wg.Wait()

	err := live.cmd.Wait()

	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
	telemetry.ActiveAgents.Dec()

	if reason := live.terminatedReason(); reason != "" {
		s.finish(live, models.ResultFailure, "", reason)
		return
	}

	switch {
	case err == nil:
		if s.cfg.UseWorktrees && s.cfg.CleanupWorktrees && inWorktree {
			removeWorktree(context.Background(), s.cfg.RepoRoot, workDir)
		}
		s.finish(live, models.ResultSuccess, outBuf.String(), "")

	default:
		reason := errBuf.String()
		if reason == "" {
			reason = outBuf.Tail(stdoutTailBytes)
		}
		if reason == "" {
			if exitErr, ok := err.(*exec.ExitError); ok {
				reason = fmt.Sprintf("process exited with code %d", exitErr.ExitCode())
			} else {
				reason = err.Error()
			}
		}
		s.finish(live, models.ResultFailure, "", reason)
	}
}

// drain scans one output stream line by line into the ring buffer,
// surfacing progress markers through the lifecycle callback.
func (s *Spawner) drain(live *liveAgent, r io.Reader, buf *ringBuffer, isStdout bool) {
	agentID := live.agent.AgentID
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)

		if !isStdout {
			continue
		}
		if strings.Contains(line, "progress:") {
			slog.Debug("Worker progress line", "agent_id", agentID, "line", line)
		}
		if m := progressMarker.FindStringSubmatch(line); m != nil {
			var p int
			fmt.Sscanf(m[1], "%d", &p)
			s.emit(LifecycleEvent{
				Type:     LifecycleProgress,
				AgentID:  agentID,
				ClaimID:  live.agent.ClaimID,
				IssueID:  live.agent.IssueID,
				Progress: models.ClampProgress(p),
			})
		}
	}
}

// finish reports the terminal state: best-effort hook POST, then the
// lifecycle callback.
func (s *Spawner) finish(live *liveAgent, result models.AgentResult, output, reason string) {
	agentID := live.agent.AgentID

	hook := models.AgentHook{
		AgentID:   agentID,
		AgentType: live.agent.AgentType,
		ClaimID:   live.agent.ClaimID,
		IssueID:   live.agent.IssueID,
		Event:     models.HookAgentTerminate,
		Result:    string(result),
		Error:     reason,
		Timestamp: time.Now(),
	}
	s.postHook(hook)

	if result == models.ResultSuccess {
		slog.Info("Worker completed", "agent_id", agentID)
		s.emit(LifecycleEvent{
			Type: LifecycleCompleted, AgentID: agentID,
			ClaimID: live.agent.ClaimID, IssueID: live.agent.IssueID, Output: output,
		})
	} else {
		slog.Warn("Worker failed", "agent_id", agentID, "reason", reason)
		s.emit(LifecycleEvent{
			Type: LifecycleFailed, AgentID: agentID,
			ClaimID: live.agent.ClaimID, IssueID: live.agent.IssueID, Error: reason,
		})
	}
}

// Terminate sends a soft stop, hard-kills after the grace period if the
// worker is still alive, and awaits exit. Unknown agent ids are a no-op.
func (s *Spawner) Terminate(agentID string) {
	s.mu.Lock()
	live, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return
	}

	live.markTerminated("terminated by orchestrator")
	pid := live.cmd.Process.Pid
	slog.Info("Terminating worker", "agent_id", agentID, "pid", pid)

	// Soft stop to the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	hardKill := time.AfterFunc(terminateGrace, func() {
		slog.Warn("Worker ignored SIGTERM, killing", "agent_id", agentID, "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
	defer hardKill.Stop()

	<-live.done
}

// TerminateAll rejects further spawns, terminates every live worker in
// parallel, and waits for all of them.
func (s *Spawner) TerminateAll() {
	s.mu.Lock()
	s.shuttingDown = true
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			s.Terminate(agentID)
		}(id)
	}
	wg.Wait()
}

// emit invokes the lifecycle callback if one is installed.
func (s *Spawner) emit(ev LifecycleEvent) {
	if s.callback != nil {
		s.callback(ev)
	}
}

// postHook POSTs a lifecycle hook to the dashboard. Best-effort: a hook
// failure must never propagate into the supervision path.
func (s *Spawner) postHook(hook models.AgentHook) {
	if s.cfg.HookURL == "" {
		return
	}
	body, err := json.Marshal(hook)
	if err != nil {
		return
	}
	resp, err := s.http.Post(s.cfg.HookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Debug("Hook POST failed", "agent_id", hook.AgentID, "event", hook.Event, "error", err)
		return
	}
	_ = resp.Body.Close()
}
