// Package api provides the dashboard HTTP surface: claim CRUD, the
// worker hook endpoint, and the WebSocket upgrade for observers.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/storage"
	"github.com/natea/claimflow/pkg/version"
)

// Server is the dashboard HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	store      storage.ClaimsStorage
	aggregator *events.Aggregator
	hub        *events.Hub
	authToken  string
	health     func(ctx context.Context) error // nil when the store has no health probe
}

// NewServer creates the API server with Echo v5 and registers all routes.
// authToken may be empty to leave the API unauthenticated; registry may be
// nil to skip the /metrics endpoint.
func NewServer(
	store storage.ClaimsStorage,
	aggregator *events.Aggregator,
	hub *events.Hub,
	authToken string,
	registry *prometheus.Registry,
) *Server {
	e := echo.New()

	s := &Server{
		echo:       e,
		store:      store,
		aggregator: aggregator,
		hub:        hub,
		authToken:  authToken,
	}
	if h, ok := store.(interface{ Health(context.Context) error }); ok {
		s.health = h.Health
	}

	s.setupRoutes(registry)
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes(registry *prometheus.Registry) {
	// Reject oversized payloads at the HTTP read level before deserialization.
	s.echo.Use(middleware.BodyLimit(1 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	if registry != nil {
		metrics := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		s.echo.GET("/metrics", func(c *echo.Context) error {
			metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	api := s.echo.Group("/api")
	if s.authToken != "" {
		api.Use(bearerAuth(s.authToken))
	}

	api.GET("/claims", s.listClaimsHandler)
	api.POST("/claims", s.createClaimHandler)
	api.GET("/claims/:id", s.getClaimHandler)
	api.PATCH("/claims/:id", s.updateClaimHandler)
	api.DELETE("/claims/:id", s.deleteClaimHandler)
	api.POST("/claims/:id/claim", s.claimClaimHandler)
	api.POST("/claims/:id/release", s.releaseClaimHandler)

	api.POST("/hooks/agent", s.agentHookHandler)
	api.POST("/orchestrator/command", s.orchestratorCommandHandler)

	// WebSocket endpoint for real-time event streaming.
	api.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying handler for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := map[string]any{
		"status":    "healthy",
		"version":   version.Full(),
		"observers": s.hub.ActiveConnections(),
	}
	if s.health != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.health(reqCtx); err != nil {
			resp["status"] = "unhealthy"
			resp["database"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp["database"] = "ok"
	}
	return c.JSON(http.StatusOK, resp)
}
