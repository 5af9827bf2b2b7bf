// Package dashboard implements the client side of the dashboard service:
// request/response claim CRUD plus the persistent WebSocket event stream
// with automatic reconnection.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/natea/claimflow/pkg/models"
)

// requestTimeout bounds one REST request.
const requestTimeout = 15 * time.Second

// APIError is a non-2xx response from the dashboard. Callers inspect
// StatusCode to distinguish permanent (4xx) from transient (5xx) failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dashboard returned %d: %s", e.StatusCode, e.Message)
}

// ClaimFilter narrows FetchClaims. Zero value fetches everything.
type ClaimFilter struct {
	Statuses     []models.ClaimStatus
	Source       models.ClaimSource
	ClaimantType models.ClaimantType
}

// Client talks to the dashboard service.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client

	stream *streamState
}

// New creates a Client for the dashboard at baseURL.
func New(baseURL, authToken string) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: requestTimeout},
	}
	c.stream = newStreamState(c)
	return c
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FetchClaims lists claims matching the filter.
func (c *Client) FetchClaims(ctx context.Context, filter ClaimFilter) ([]*models.Claim, error) {
	q := url.Values{}
	if len(filter.Statuses) > 0 {
		parts := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if filter.Source != "" {
		q.Set("source", string(filter.Source))
	}
	if filter.ClaimantType != "" {
		q.Set("claimantType", string(filter.ClaimantType))
	}

	path := "/api/claims"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var claims []*models.Claim
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// FetchClaim fetches one claim. A missing claim returns nil, nil; other
// errors propagate.
func (c *Client) FetchClaim(ctx context.Context, id string) (*models.Claim, error) {
	var claim models.Claim
	err := c.doJSON(ctx, http.MethodGet, "/api/claims/"+url.PathEscape(id), nil, &claim)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// CreateClaim creates a new claim.
func (c *Client) CreateClaim(ctx context.Context, claim *models.Claim) (*models.Claim, error) {
	var created models.Claim
	if err := c.doJSON(ctx, http.MethodPost, "/api/claims", claim, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ClaimIssue atomically sets the claimant and moves the claim to active.
func (c *Client) ClaimIssue(ctx context.Context, id string, claimant models.Claimant) (*models.Claim, error) {
	var claimed models.Claim
	body := map[string]any{"claimant": claimant}
	if err := c.doJSON(ctx, http.MethodPost, "/api/claims/"+url.PathEscape(id)+"/claim", body, &claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}

// UpdateClaimStatus updates the claim's status and, when progress is
// non-nil, its progress.
func (c *Client) UpdateClaimStatus(ctx context.Context, id string, status models.ClaimStatus, progress *int) (*models.Claim, error) {
	body := map[string]any{"status": status}
	if progress != nil {
		body["progress"] = *progress
	}
	var updated models.Claim
	if err := c.doJSON(ctx, http.MethodPatch, "/api/claims/"+url.PathEscape(id), body, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ReleaseClaim clears the claimant, returning the claim to backlog.
func (c *Client) ReleaseClaim(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/claims/"+url.PathEscape(id)+"/release", nil, nil)
}

