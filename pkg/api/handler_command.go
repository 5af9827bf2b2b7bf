package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/natea/claimflow/pkg/events"
)

// orchestratorCommandHandler handles POST /api/orchestrator/command —
// operators steer connected orchestrators (pause, resume, stop, spawn)
// through the real-time plane.
func (s *Server) orchestratorCommandHandler(c *echo.Context) error {
	var req struct {
		Command string `json:"command"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Command {
	case "pause", "resume", "stop", "spawn":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown command: "+req.Command)
	}

	s.hub.BroadcastFrame(events.ServerFrame{Type: events.FrameCommand, Command: req.Command})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "sent"})
}
