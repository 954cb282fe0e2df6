package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/phasegate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "phasegate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlowLifecycle(t *testing.T) {
	s := newTestStorage(t)

	id, err := s.CreateFlow(&models.Flow{
		FlowType:     models.FlowTypeDiscovery,
		CurrentPhase: "data_import",
		Status:       models.FlowStatusPending,
		ScriptPath:   "flows/discovery.lua",
	})
	require.NoError(t, err)

	flow, err := s.GetFlow(id)
	require.NoError(t, err)
	assert.Equal(t, models.FlowTypeDiscovery, flow.FlowType)
	assert.Equal(t, models.Phase("data_import"), flow.CurrentPhase)
	assert.Equal(t, models.FlowStatusPending, flow.Status)
	assert.Nil(t, flow.CompletedAt)
	assert.Empty(t, flow.Error)

	now := time.Now().UTC().Truncate(time.Second)
	flow.Status = models.FlowStatusFailed
	flow.CurrentPhase = "field_mapping"
	flow.Error = "adapter crashed"
	flow.CompletedAt = &now
	flow.WorkspacePath = "/tmp/flow-1"
	require.NoError(t, s.UpdateFlow(flow))

	got, err := s.GetFlow(id)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusFailed, got.Status)
	assert.Equal(t, models.Phase("field_mapping"), got.CurrentPhase)
	assert.Equal(t, "adapter crashed", got.Error)
	assert.Equal(t, "/tmp/flow-1", got.WorkspacePath)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, now.Equal(*got.CompletedAt))
}

func TestGetFlowNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetFlow(42)
	assert.ErrorContains(t, err, "flow 42 not found")
}

func TestListFlowsNewestFirst(t *testing.T) {
	s := newTestStorage(t)
	for _, ft := range []models.FlowType{models.FlowTypeDiscovery, models.FlowTypeCollection, models.FlowTypeAssessment} {
		_, err := s.CreateFlow(&models.Flow{FlowType: ft, Status: models.FlowStatusPending})
		require.NoError(t, err)
	}

	flows, err := s.ListFlows(2)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, models.FlowTypeAssessment, flows[0].FlowType)
	assert.Equal(t, models.FlowTypeCollection, flows[1].FlowType)
}

func TestDecisionJournal(t *testing.T) {
	s := newTestStorage(t)
	flowID, err := s.CreateFlow(&models.Flow{FlowType: models.FlowTypeDiscovery, Status: models.FlowStatusRunning})
	require.NoError(t, err)

	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	first := &models.DecisionRecord{
		FlowID: flowID,
		Phase:  "data_import",
		Result: models.PhaseResult{"records_processed": 120},
		Decision: models.NewDecision(models.ActionProceed, "field_mapping", 0.9, "quality ok",
			map[string]any{"threshold": 0.3}, at),
	}
	require.NoError(t, s.RecordDecision(first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.SequenceNum)

	second := &models.DecisionRecord{
		FlowID:   flowID,
		Phase:    "field_mapping",
		Decision: models.NewDecision(models.ActionPause, "field_mapping", 0.6, "needs review", nil, at.Add(time.Minute)),
	}
	require.NoError(t, s.RecordDecision(second))
	assert.Equal(t, 2, second.SequenceNum)
	assert.NotEqual(t, first.ID, second.ID)

	recs, err := s.GetDecisionsForFlow(flowID)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, first.ID, recs[0].ID)
	assert.Equal(t, models.ActionProceed, recs[0].Decision.Action)
	assert.Equal(t, models.Phase("field_mapping"), recs[0].Decision.NextPhase)
	assert.InDelta(t, 0.9, recs[0].Decision.Confidence, 1e-9)
	assert.Equal(t, 120.0, recs[0].Result["records_processed"])
	assert.Equal(t, 0.3, recs[0].Decision.Metadata["threshold"])
	assert.True(t, at.Equal(recs[0].Decision.Timestamp))

	latest, err := s.LatestDecision(flowID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, models.ActionPause, latest.Decision.Action)
}

func TestDeleteFlowRemovesJournal(t *testing.T) {
	s := newTestStorage(t)
	flowID, err := s.CreateFlow(&models.Flow{FlowType: models.FlowTypeDiscovery, Status: models.FlowStatusRunning})
	require.NoError(t, err)
	require.NoError(t, s.RecordDecision(&models.DecisionRecord{
		FlowID:   flowID,
		Phase:    "data_import",
		Decision: models.NewDecision(models.ActionFail, models.Terminal, 0.95, "bad data", nil, time.Now()),
	}))

	require.NoError(t, s.DeleteFlow(flowID))

	_, err = s.GetFlow(flowID)
	assert.Error(t, err)
	recs, err := s.GetDecisionsForFlow(flowID)
	require.NoError(t, err)
	assert.Empty(t, recs)
	latest, err := s.LatestDecision(flowID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
