package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/storage"
)

// lookupClaim resolves :id as an issueId first (the external-facing key
// orchestrators address claims by), then as the opaque server id.
func (s *Server) lookupClaim(ctx context.Context, id string) (*models.Claim, error) {
	claim, err := s.store.GetClaimByIssueID(ctx, id)
	if err == nil {
		return claim, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.store.GetClaim(ctx, id)
}

// listClaimsHandler handles GET /api/claims.
func (s *Server) listClaimsHandler(c *echo.Context) error {
	var filter models.ClaimFilter

	if v := c.QueryParam("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			st := models.ClaimStatus(strings.TrimSpace(raw))
			if !st.IsValid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+string(st))
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := c.QueryParam("source"); v != "" {
		src := models.ClaimSource(v)
		if !src.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid source: "+v)
		}
		filter.Source = src
	}
	if v := c.QueryParam("claimantType"); v != "" {
		ct := models.ClaimantType(v)
		if ct != models.ClaimantHuman && ct != models.ClaimantAgent {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid claimantType: "+v)
		}
		filter.ClaimantType = ct
	}

	claims, err := s.store.ListClaims(c.Request().Context(), filter)
	if err != nil {
		return mapStorageError(err)
	}
	if claims == nil {
		claims = []*models.Claim{}
	}
	return c.JSON(http.StatusOK, claims)
}

// createClaimRequest is the POST /api/claims body.
type createClaimRequest struct {
	IssueID     string             `json:"issueId"`
	Source      models.ClaimSource `json:"source"`
	SourceRef   string             `json:"sourceRef"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Context     string             `json:"context"`
	Metadata    map[string]string  `json:"metadata"`
}

// createClaimHandler handles POST /api/claims.
func (s *Server) createClaimHandler(c *echo.Context) error {
	var req createClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	if req.Source != "" && !req.Source.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid source: "+string(req.Source))
	}

	claim, err := s.store.CreateClaim(c.Request().Context(), &models.Claim{
		IssueID:     req.IssueID,
		Source:      req.Source,
		SourceRef:   req.SourceRef,
		Title:       req.Title,
		Description: req.Description,
		Context:     req.Context,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

// getClaimHandler handles GET /api/claims/:id.
func (s *Server) getClaimHandler(c *echo.Context) error {
	claim, err := s.lookupClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

// updateClaimRequest is the PATCH /api/claims/:id body. Claimant uses a
// raw message so "claimant": null (clear) is distinguishable from the
// field being absent.
type updateClaimRequest struct {
	Title       *string             `json:"title"`
	Description *string             `json:"description"`
	Status      *models.ClaimStatus `json:"status"`
	Progress    *int                `json:"progress"`
	Context     *string             `json:"context"`
	Metadata    map[string]string   `json:"metadata"`
	Claimant    *json.RawMessage    `json:"claimant"`
}

// updateClaimHandler handles PATCH /api/claims/:id.
func (s *Server) updateClaimHandler(c *echo.Context) error {
	existing, err := s.lookupClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}

	var req updateClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	update := models.ClaimUpdate{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Progress:    req.Progress,
		Context:     req.Context,
		Metadata:    req.Metadata,
	}
	if req.Claimant != nil {
		if string(*req.Claimant) == "null" {
			update.ClearClaimant = true
		} else {
			var claimant models.Claimant
			if err := json.Unmarshal(*req.Claimant, &claimant); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid claimant: "+err.Error())
			}
			update.Claimant = &claimant
		}
	}

	claim, err := s.store.UpdateClaim(c.Request().Context(), existing.IssueID, update)
	if err != nil {
		return mapStorageError(err)
	}
	if claim == nil {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	return c.JSON(http.StatusOK, claim)
}

// deleteClaimHandler handles DELETE /api/claims/:id.
func (s *Server) deleteClaimHandler(c *echo.Context) error {
	existing, err := s.lookupClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}
	if _, err := s.store.DeleteClaim(c.Request().Context(), existing.IssueID); err != nil {
		return mapStorageError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// claimRequest is the POST /api/claims/:id/claim body.
type claimRequest struct {
	Claimant models.Claimant `json:"claimant"`
}

// claimClaimHandler handles POST /api/claims/:id/claim — atomically sets
// the claimant and moves the claim to active. A claim already actively
// held by someone else is a conflict.
func (s *Server) claimClaimHandler(c *echo.Context) error {
	existing, err := s.lookupClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}

	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Claimant.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if existing.Status == models.StatusActive && existing.Claimant != nil &&
		existing.Claimant.Encode() != req.Claimant.Encode() {
		return echo.NewHTTPError(http.StatusConflict, "claim is already actively held")
	}

	active := models.StatusActive
	claim, err := s.store.UpdateClaim(c.Request().Context(), existing.IssueID, models.ClaimUpdate{
		Status:   &active,
		Claimant: &req.Claimant,
	})
	if err != nil {
		return mapStorageError(err)
	}
	if claim == nil {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	return c.JSON(http.StatusOK, claim)
}

// releaseClaimHandler handles POST /api/claims/:id/release — clears the
// claimant, which forces the claim back to backlog.
func (s *Server) releaseClaimHandler(c *echo.Context) error {
	existing, err := s.lookupClaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}

	claim, err := s.store.UpdateClaim(c.Request().Context(), existing.IssueID, models.ClaimUpdate{
		ClearClaimant: true,
	})
	if err != nil {
		return mapStorageError(err)
	}
	if claim == nil {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	return c.JSON(http.StatusOK, claim)
}
