// Package router maps claims to an agent archetype and capability tier.
//
// Routing is two-stage: an optional external advisor subprocess is tried
// first; on any failure the advisor is marked unavailable for the rest of
// the process lifetime and the fixed heuristic tables take over. Route
// never returns an error — total failure yields the coder/sonnet default.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/natea/claimflow/pkg/models"
)

// advisorTimeout bounds one advisor subprocess invocation.
const advisorTimeout = 10 * time.Second

// Task is the routing input.
type Task struct {
	Title       string
	Description string
	Labels      []string
}

// Result is the routing decision.
type Result struct {
	AgentType  string           `json:"agentType"`
	ModelTier  models.ModelTier `json:"modelTier"`
	UseBooster bool             `json:"useBooster"`
	Confidence float64          `json:"confidence"` // in (0, 1]
	Reasoning  string           `json:"reasoning"`
}

// archetypeSynonyms normalizes advisor archetype strings.
var archetypeSynonyms = map[string]string{
	"developer":  "coder",
	"programmer": "coder",
	"engineer":   "coder",
	"qa":         "tester",
	"test":       "tester",
	"docs":       "researcher",
	"research":   "researcher",
	"review":     "reviewer",
	"design":     "architect",
}

// tierSynonyms normalizes advisor tier strings.
var tierSynonyms = map[string]models.ModelTier{
	"fast":     models.TierHaiku,
	"cheap":    models.TierHaiku,
	"default":  models.TierSonnet,
	"standard": models.TierSonnet,
	"premium":  models.TierOpus,
	"complex":  models.TierOpus,
	"best":     models.TierOpus,
}

// labelArchetypes maps claim labels to archetypes. Label matches take
// priority over title patterns.
var labelArchetypes = map[string]string{
	"bug":           "coder",
	"feature":       "coder",
	"enhancement":   "coder",
	"test":          "tester",
	"testing":       "tester",
	"research":      "researcher",
	"documentation": "researcher",
	"review":        "reviewer",
	"architecture":  "architect",
	"refactor":      "architect",
}

// titlePattern pairs an ordered title regex with an archetype; the first
// match wins.
type titlePattern struct {
	re        *regexp.Regexp
	archetype string
}

var titlePatterns = []titlePattern{
	{regexp.MustCompile(`(?i)\b(test|spec|coverage)\b`), "tester"},
	{regexp.MustCompile(`(?i)\b(research|investigate|explore|analy[sz]e)\b`), "researcher"},
	{regexp.MustCompile(`(?i)\b(review|audit)\b`), "reviewer"},
	{regexp.MustCompile(`(?i)design|architect|restructure`), "architect"},
	{regexp.MustCompile(`(?i)\b(fix|bug|implement|add|build|refactor)\b`), "coder"},
}

// highComplexity upgrades the tier to opus when it matches the combined
// title+description+labels text.
var highComplexity = regexp.MustCompile(`(?i)security|performance|architect|critical|breaking|migration`)

// Router routes tasks to agent archetypes and tiers.
type Router struct {
	advisorCommand []string
	advisorDown    atomic.Bool
	runAdvisor     func(ctx context.Context, args []string, input []byte) ([]byte, error)
}

// New creates a Router. advisorCommand may be empty to disable the
// advisor entirely; the first element is the program, the rest its args.
func New(advisorCommand []string) *Router {
	r := &Router{advisorCommand: advisorCommand, runAdvisor: execAdvisor}
	if len(advisorCommand) == 0 {
		r.advisorDown.Store(true)
	}
	return r
}

func execAdvisor(ctx context.Context, args []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(string(input))
	return cmd.Output()
}

// Route decides the archetype and tier for a task. It never fails; the
// fallback result is {coder, sonnet, confidence 0.5}.
func (r *Router) Route(ctx context.Context, task Task) Result {
	if !r.advisorDown.Load() {
		if res, ok := r.routeViaAdvisor(ctx, task); ok {
			return res
		}
		// Any advisor error disables it for the remainder of the process.
		r.advisorDown.Store(true)
		slog.Warn("Routing advisor unavailable, falling back to heuristics")
	}
	return r.routeHeuristic(task)
}

// advisorResponse is the JSON shape the advisor subprocess prints.
type advisorResponse struct {
	AgentType  string  `json:"agentType"`
	ModelTier  string  `json:"modelTier"`
	UseBooster bool    `json:"useBooster"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

func (r *Router) routeViaAdvisor(ctx context.Context, task Task) (Result, bool) {
	advisorCtx, cancel := context.WithTimeout(ctx, advisorTimeout)
	defer cancel()

	input, err := json.Marshal(map[string]any{
		"title":       task.Title,
		"description": task.Description,
		"labels":      task.Labels,
	})
	if err != nil {
		return Result{}, false
	}

	out, err := r.runAdvisor(advisorCtx, r.advisorCommand, input)
	if err != nil {
		slog.Debug("Routing advisor invocation failed", "error", err)
		return Result{}, false
	}

	var resp advisorResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		slog.Debug("Routing advisor returned invalid JSON", "error", err)
		return Result{}, false
	}

	archetype := normalizeArchetype(resp.AgentType)
	tier := normalizeTier(resp.ModelTier)
	if archetype == "" || tier == "" {
		return Result{}, false
	}

	reasoning := resp.Reasoning
	if reasoning == "" {
		reasoning = "advisor decision"
	}
	return Result{
		AgentType:  archetype,
		ModelTier:  tier,
		UseBooster: resp.UseBooster,
		Confidence: 0.7,
		Reasoning:  reasoning,
	}, true
}

func normalizeArchetype(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if canonical, ok := archetypeSynonyms[s]; ok {
		return canonical
	}
	switch s {
	case "coder", "tester", "researcher", "reviewer", "architect":
		return s
	}
	return ""
}

func normalizeTier(s string) models.ModelTier {
	s = strings.ToLower(strings.TrimSpace(s))
	if canonical, ok := tierSynonyms[s]; ok {
		return canonical
	}
	t := models.ModelTier(s)
	if t.IsValid() {
		return t
	}
	return ""
}

// routeHeuristic applies the fixed tables: label match first, then the
// ordered title patterns, then the coder default. The tier floor is
// sonnet — haiku cannot drive tool-using workers reliably.
func (r *Router) routeHeuristic(task Task) Result {
	var reasons []string

	archetype := ""
	confidence := 0.5
	for _, label := range task.Labels {
		if a, ok := labelArchetypes[strings.ToLower(label)]; ok {
			archetype = a
			confidence = 0.7
			reasons = append(reasons, "label "+strings.ToLower(label)+" → "+a)
			break
		}
	}
	if archetype == "" {
		for _, p := range titlePatterns {
			if p.re.MatchString(task.Title) {
				archetype = p.archetype
				confidence = 0.6
				reasons = append(reasons, "title matched "+p.re.String())
				break
			}
		}
	}
	if archetype == "" {
		archetype = "coder"
		reasons = append(reasons, "default archetype")
	}

	tier := models.TierSonnet
	combined := task.Title + " " + task.Description + " " + strings.Join(task.Labels, " ")
	if highComplexity.MatchString(combined) {
		tier = models.TierOpus
		reasons = append(reasons, "high-complexity keywords → opus")
	}

	return Result{
		AgentType:  archetype,
		ModelTier:  tier,
		Confidence: confidence,
		Reasoning:  strings.Join(reasons, "; "),
	}
}
