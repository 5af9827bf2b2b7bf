package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/storage"
)

type fixture struct {
	store  *storage.MemoryStore
	agg    *events.Aggregator
	server *httptest.Server
}

func setup(t *testing.T, authToken string) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	agg := events.NewAggregator()
	agg.BindStorage(store)
	hub := events.NewHub(store)
	agg.AddListener(hub.Broadcast)

	s := NewServer(store, agg, hub, authToken, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{store: store, agg: agg, server: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeClaim(t *testing.T, resp *http.Response) *models.Claim {
	t.Helper()
	defer resp.Body.Close()
	var c models.Claim
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	return &c
}

func TestClaimCRUD(t *testing.T) {
	f := setup(t, "")

	resp := f.do(t, http.MethodPost, "/api/claims", map[string]any{
		"issueId": "T-1",
		"title":   "Fix bug",
		"source":  "manual",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeClaim(t, resp)
	assert.Equal(t, models.StatusBacklog, created.Status)

	resp = f.do(t, http.MethodGet, "/api/claims/T-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Fix bug", decodeClaim(t, resp).Title)

	// lookup by opaque id also works
	resp = f.do(t, http.MethodGet, "/api/claims/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/claims/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPatch, "/api/claims/T-1", map[string]any{"progress": 30}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 30, decodeClaim(t, resp).Progress)

	resp = f.do(t, http.MethodDelete, "/api/claims/T-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestListClaimsFilters(t *testing.T) {
	f := setup(t, "")
	f.do(t, http.MethodPost, "/api/claims", map[string]any{"issueId": "T-1", "title": "a"}, nil).Body.Close()
	f.do(t, http.MethodPost, "/api/claims", map[string]any{"issueId": "T-2", "title": "b"}, nil).Body.Close()

	resp := f.do(t, http.MethodGet, "/api/claims?status=backlog", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claims []*models.Claim
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
	resp.Body.Close()
	assert.Len(t, claims, 2)

	resp = f.do(t, http.MethodGet, "/api/claims?status=nonsense", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestClaimAndRelease(t *testing.T) {
	f := setup(t, "")
	f.do(t, http.MethodPost, "/api/claims", map[string]any{"issueId": "T-1", "title": "a"}, nil).Body.Close()

	claimant := map[string]any{"type": "agent", "agentId": "coder-abc123", "agentType": "coder"}
	resp := f.do(t, http.MethodPost, "/api/claims/T-1/claim", map[string]any{"claimant": claimant}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimed := decodeClaim(t, resp)
	assert.Equal(t, models.StatusActive, claimed.Status)
	require.NotNil(t, claimed.Claimant)
	assert.Equal(t, "coder-abc123", claimed.Claimant.AgentID)

	// a different agent cannot steal an active claim
	other := map[string]any{"type": "agent", "agentId": "coder-zzz999", "agentType": "coder"}
	resp = f.do(t, http.MethodPost, "/api/claims/T-1/claim", map[string]any{"claimant": other}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/claims/T-1/release", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	released := decodeClaim(t, resp)
	assert.Nil(t, released.Claimant)
	assert.Equal(t, models.StatusBacklog, released.Status)
}

func TestClearClaimantViaPatch(t *testing.T) {
	f := setup(t, "")
	f.do(t, http.MethodPost, "/api/claims", map[string]any{"issueId": "T-1", "title": "a"}, nil).Body.Close()
	claimant := map[string]any{"type": "human", "userId": "u-1", "name": "Ada"}
	f.do(t, http.MethodPost, "/api/claims/T-1/claim", map[string]any{"claimant": claimant}, nil).Body.Close()

	var req = []byte(`{"claimant": null}`)
	httpReq, err := http.NewRequest(http.MethodPatch, f.server.URL+"/api/claims/T-1", bytes.NewReader(req))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleared := decodeClaim(t, resp)
	assert.Nil(t, cleared.Claimant)
	assert.Equal(t, models.StatusBacklog, cleared.Status)
}

func TestAgentHookAccepted(t *testing.T) {
	f := setup(t, "")
	f.do(t, http.MethodPost, "/api/claims", map[string]any{"issueId": "T-1", "title": "a"}, nil).Body.Close()

	var events []models.DashboardEvent
	f.agg.AddListener(func(e models.DashboardEvent) { events = append(events, e) })

	resp := f.do(t, http.MethodPost, "/api/hooks/agent", map[string]any{
		"agentId":  "coder-abc123",
		"issueId":  "T-1",
		"event":    "post-task",
		"progress": 50,
	}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.NotEmpty(t, events)
	assert.Equal(t, models.EventAgentProgress, events[0].Type)

	// the claim mirrors the progress
	resp = f.do(t, http.MethodGet, "/api/claims/T-1", nil, nil)
	assert.Equal(t, 50, decodeClaim(t, resp).Progress)

	resp = f.do(t, http.MethodPost, "/api/hooks/agent", map[string]any{"event": "post-task"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBearerAuth(t *testing.T) {
	f := setup(t, "sekrit")

	resp := f.do(t, http.MethodGet, "/api/claims", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/claims", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/claims", nil, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// health stays open
	resp = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
