package api

import (
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/natea/claimflow/pkg/models"
)

// agentHookHandler handles POST /api/hooks/agent — worker processes (and
// the spawner on their behalf) report lifecycle moments here. The hook is
// normalized by the aggregator and, for progress hooks, mirrored onto the
// claim so the board reflects worker progress.
func (s *Server) agentHookHandler(c *echo.Context) error {
	var hook models.AgentHook
	if err := c.Bind(&hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hook body")
	}
	if hook.AgentID == "" || hook.Event == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentId and event are required")
	}
	if hook.Timestamp.IsZero() {
		hook.Timestamp = time.Now()
	}

	s.aggregator.HandleHook(hook)

	if hook.Event == models.HookPostTask && hook.Progress != nil && hook.IssueID != "" {
		p := models.ClampProgress(*hook.Progress)
		if _, err := s.store.UpdateClaim(c.Request().Context(), hook.IssueID, models.ClaimUpdate{Progress: &p}); err != nil {
			// Best-effort mirror; the hook itself already succeeded.
			slog.Warn("Progress mirror failed", "issue_id", hook.IssueID, "error", err)
		}
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
