package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/storage"
)

func collectEvents(a *Aggregator) *[]models.DashboardEvent {
	var events []models.DashboardEvent
	a.AddListener(func(e models.DashboardEvent) { events = append(events, e) })
	return &events
}

func TestStorageDeltasBecomeClaimEvents(t *testing.T) {
	store := storage.NewMemoryStore()
	agg := NewAggregator()
	agg.BindStorage(store)
	events := collectEvents(agg)

	ctx := context.Background()
	_, err := store.CreateClaim(ctx, &models.Claim{IssueID: "T-1", Title: "x"})
	require.NoError(t, err)
	title := "y"
	_, err = store.UpdateClaim(ctx, "T-1", models.ClaimUpdate{Title: &title})
	require.NoError(t, err)
	_, err = store.DeleteClaim(ctx, "T-1")
	require.NoError(t, err)

	require.Len(t, *events, 3)
	assert.Equal(t, models.EventClaimCreated, (*events)[0].Type)
	assert.Equal(t, models.EventClaimUpdated, (*events)[1].Type)
	assert.Equal(t, "y", (*events)[1].Changes["title"])
	assert.Equal(t, models.EventClaimDeleted, (*events)[2].Type)
	assert.Equal(t, "T-1", (*events)[2].IssueID)
}

func TestHookSpawnAndTerminate(t *testing.T) {
	agg := NewAggregator()
	events := collectEvents(agg)

	agg.HandleHook(models.AgentHook{AgentID: "coder-abc123", AgentType: "coder", IssueID: "T-1", Event: models.HookAgentSpawn})
	agg.HandleHook(models.AgentHook{AgentID: "coder-abc123", IssueID: "T-1", Event: models.HookAgentTerminate, Result: "success"})
	agg.HandleHook(models.AgentHook{AgentID: "coder-abc123", IssueID: "T-1", Event: models.HookAgentTerminate, Result: "failure"})

	require.Len(t, *events, 3)
	assert.Equal(t, models.EventAgentStarted, (*events)[0].Type)
	assert.Equal(t, "coder", (*events)[0].AgentType)
	assert.Equal(t, models.ResultSuccess, (*events)[1].Result)
	assert.Equal(t, models.ResultFailure, (*events)[2].Result)
}

func TestPostTaskAtFullProgressEmitsExactlyOneCompletion(t *testing.T) {
	agg := NewAggregator()
	events := collectEvents(agg)

	p := 100
	agg.HandleHook(models.AgentHook{AgentID: "coder-abc123", IssueID: "T-1", Event: models.HookPostTask, Progress: &p})

	require.Len(t, *events, 2)
	assert.Equal(t, models.EventAgentProgress, (*events)[0].Type)
	assert.Equal(t, 100, *(*events)[0].Progress)
	assert.Equal(t, models.EventAgentCompleted, (*events)[1].Type)
	assert.Equal(t, models.ResultSuccess, (*events)[1].Result)
}

func TestPostTaskMidProgressIsJustProgress(t *testing.T) {
	agg := NewAggregator()
	events := collectEvents(agg)

	p := 40
	agg.HandleHook(models.AgentHook{AgentID: "coder-abc123", Event: models.HookPostTask, Progress: &p})

	require.Len(t, *events, 1)
	assert.Equal(t, models.EventAgentProgress, (*events)[0].Type)
}

func TestPostCommandLevelFollowsExitCode(t *testing.T) {
	agg := NewAggregator()
	events := collectEvents(agg)

	zero, one := 0, 1
	agg.HandleHook(models.AgentHook{AgentID: "a", Event: models.HookPostCommand, Command: "go test", ExitCode: &zero})
	agg.HandleHook(models.AgentHook{AgentID: "a", Event: models.HookPostCommand, Command: "go test", ExitCode: &one})

	require.Len(t, *events, 2)
	assert.Equal(t, models.LogInfo, (*events)[0].Level)
	assert.Equal(t, models.LogError, (*events)[1].Level)
}

func TestWorkerLineLevelsAndProgress(t *testing.T) {
	agg := NewAggregator()
	events := collectEvents(agg)

	agg.HandleWorkerLine("a", "T-1", "stdout", "starting up")
	agg.HandleWorkerLine("a", "T-1", "stderr", "something odd")
	agg.HandleWorkerLine("a", "T-1", "stdout", "ERROR: cannot open file")
	agg.HandleWorkerLine("a", "T-1", "stdout", "[PROGRESS] 55% done")
	agg.HandleWorkerLine("a", "T-1", "stdout", "")

	require.Len(t, *events, 5)
	assert.Equal(t, models.LogInfo, (*events)[0].Level)
	assert.Equal(t, models.LogWarn, (*events)[1].Level)
	assert.Equal(t, models.LogError, (*events)[2].Level)
	assert.Equal(t, models.EventAgentLog, (*events)[3].Type)
	assert.Equal(t, models.EventAgentProgress, (*events)[4].Type)
	assert.Equal(t, 55, *(*events)[4].Progress)
	assert.Equal(t, "T-1", (*events)[4].IssueID)
}

func TestListenerPanicDoesNotStopEmission(t *testing.T) {
	agg := NewAggregator()
	agg.AddListener(func(models.DashboardEvent) { panic("boom") })
	events := collectEvents(agg)

	assert.NotPanics(t, func() {
		agg.Emit(models.NewAgentLog("a", models.LogInfo, "hi"))
	})
	assert.Len(t, *events, 1)
}

func TestEventRoomsRoundTrip(t *testing.T) {
	claim := &models.Claim{IssueID: "T-1"}
	cases := []struct {
		event models.DashboardEvent
		rooms []string
	}{
		{models.NewClaimCreated(claim), []string{RoomBoard, ClaimRoom("T-1")}},
		{models.NewClaimDeleted("T-1"), []string{RoomBoard, ClaimRoom("T-1")}},
		{models.NewAgentStarted("a-1", "coder", "T-1"), []string{RoomLogs, AgentRoom("a-1")}},
		{models.NewAgentLog("a-1", models.LogInfo, "m"), []string{RoomLogs, AgentRoom("a-1")}},
		{models.NewAgentCompleted("a-1", models.ResultSuccess, "T-1"), []string{RoomLogs, AgentRoom("a-1")}},
	}
	for _, tc := range cases {
		assert.ElementsMatch(t, tc.rooms, EventRooms(tc.event), string(tc.event.Type))
	}
}
