package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/phasegate/internal/decision"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/mpataki/phasegate/internal/state"
	"github.com/mpataki/phasegate/internal/storage"
	"github.com/mpataki/phasegate/internal/workspace"
)

type phaseFunc func(run models.PhaseRun) (models.PhaseOutput, error)

// scriptedRunner answers each phase from a table of functions.
type scriptedRunner struct {
	phases map[models.Phase]phaseFunc
	calls  []models.PhaseRun
}

func (r *scriptedRunner) RunPhase(ctx context.Context, run models.PhaseRun) (models.PhaseOutput, error) {
	r.calls = append(r.calls, run)
	fn, ok := r.phases[run.Phase]
	if !ok {
		return models.PhaseOutput{Result: models.PhaseResult{}}, nil
	}
	return fn(run)
}

func (r *scriptedRunner) attempts(phase models.Phase) []int {
	var out []int
	for _, c := range r.calls {
		if c.Phase == phase {
			out = append(out, c.Attempt)
		}
	}
	return out
}

func result(r models.PhaseResult) phaseFunc {
	return func(models.PhaseRun) (models.PhaseOutput, error) {
		return models.PhaseOutput{Result: r}, nil
	}
}

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "phasegate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := decision.New(nil, decision.WithClock(func() time.Time { return fixedNow }))
	return New(store, engine, filepath.Join(dir, "flows"), opts...), store
}

func inventory() []any {
	var rows []any
	for i := 0; i < 10; i++ {
		rows = append(rows, map[string]any{
			"hostname": fmt.Sprintf("web%02d", i),
			"owner":    "platform-team",
		})
	}
	return rows
}

func discoveryRunner(mappings map[string]any) *scriptedRunner {
	return &scriptedRunner{phases: map[models.Phase]phaseFunc{
		"data_import": func(models.PhaseRun) (models.PhaseOutput, error) {
			return models.PhaseOutput{
				Result:  models.PhaseResult{"records_processed": 10},
				Updates: map[string]any{"raw_data": inventory()},
			}, nil
		},
		"field_mapping": func(models.PhaseRun) (models.PhaseOutput, error) {
			return models.PhaseOutput{
				Result:  models.PhaseResult{},
				Updates: map[string]any{"field_mappings": mappings},
			}, nil
		},
		"data_cleansing":  result(models.PhaseResult{"records_cleaned": 10, "records_failed": 0}),
		"asset_inventory": result(models.PhaseResult{"assets_created": 10}),
	}}
}

func TestExecuteCompletesDiscovery(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "discovery.lua", nil)
	require.NoError(t, err)
	assert.Equal(t, models.Phase("data_import"), flow.CurrentPhase)

	runner := discoveryRunner(map[string]any{"hostname": "hostname", "owner": "owner"})
	require.NoError(t, o.Execute(context.Background(), flow, runner))

	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusComplete, got.Status)
	assert.Equal(t, models.Terminal, got.CurrentPhase)
	assert.NotNil(t, got.CompletedAt)

	recs, err := store.GetDecisionsForFlow(flow.ID)
	require.NoError(t, err)
	var actions []models.Action
	for _, r := range recs {
		actions = append(actions, r.Decision.Action)
	}
	assert.Equal(t, []models.Action{"proceed", "proceed", "proceed", "proceed"}, actions)

	ws, err := workspace.Open(filepath.Dir(flow.WorkspacePath), flow.ID)
	require.NoError(t, err)
	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "completed", st["current_phase"])
	assert.Equal(t, map[string]bool{
		"data_import": true, "field_mapping": true, "data_cleansing": true, "asset_inventory": true,
	}, state.BoolMap(state.FromMap(st), state.KeyPhaseCompletion))
}

func TestPauseAndResumeWithOperatorInput(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "discovery.lua", nil)
	require.NoError(t, err)

	runner := discoveryRunner(map[string]any{"hostname": "hostname"})
	require.NoError(t, o.Execute(context.Background(), flow, runner))

	paused, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, paused.Status)
	assert.Equal(t, models.Phase("field_mapping"), paused.CurrentPhase)

	last, err := store.LatestDecision(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPause, last.Decision.Action)
	assert.Equal(t, []any{"owner"}, last.Decision.Metadata["missing_fields"])

	ws, err := workspace.Open(filepath.Dir(flow.WorkspacePath), flow.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.InputPath("field_mapping"), []byte(`{"field_mappings":{"owner":"owner"}}`), 0644))

	resumed, err := o.Resume(context.Background(), flow.ID, runner)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusComplete, resumed.Status)

	_, err = o.Resume(context.Background(), flow.ID, runner)
	assert.ErrorContains(t, err, "not paused")
}

func TestRetryThenSkip(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeCollection, "collection.lua", nil)
	require.NoError(t, err)

	runner := &scriptedRunner{phases: map[models.Phase]phaseFunc{
		"platform_detection": result(models.PhaseResult{"platforms": []any{"aws"}, "detection_confidence": 0.9}),
		"automated_collection": func(run models.PhaseRun) (models.PhaseOutput, error) {
			failed := []any{"aws"}
			if run.Attempt == 3 {
				failed = []any{}
			}
			return models.PhaseOutput{Result: models.PhaseResult{
				"collected_count": 90, "expected_count": 100, "failed_adapters": failed,
			}}, nil
		},
		"gap_analysis": result(models.PhaseResult{"gaps": []any{}}),
		"synthesis":    result(models.PhaseResult{"completeness_score": 0.95}),
	}}
	require.NoError(t, o.Execute(context.Background(), flow, runner))

	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusComplete, got.Status)
	assert.Equal(t, []int{1, 2, 3}, runner.attempts("automated_collection"))
	assert.Empty(t, runner.attempts("questionnaire_generation"))
	assert.Empty(t, runner.attempts("manual_collection"))

	recs, err := store.GetDecisionsForFlow(flow.ID)
	require.NoError(t, err)
	var actions []models.Action
	for _, r := range recs {
		actions = append(actions, r.Decision.Action)
	}
	want := []models.Action{"proceed", "retry", "retry", "proceed", "skip", "proceed"}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
}

func TestPhaseFailureFailsFlow(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "discovery.lua", nil)
	require.NoError(t, err)

	runner := &scriptedRunner{phases: map[models.Phase]phaseFunc{
		"data_import": func(models.PhaseRun) (models.PhaseOutput, error) {
			return models.PhaseOutput{Failure: "source CMDB unreachable"}, nil
		},
	}}
	require.NoError(t, o.Execute(context.Background(), flow, runner))

	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusFailed, got.Status)
	assert.Contains(t, got.Error, "source CMDB unreachable")

	last, err := store.LatestDecision(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFail, last.Decision.Action)
}

func TestRunnerErrorFailsFlow(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeAssessment, "assessment.lua", nil)
	require.NoError(t, err)

	runner := &scriptedRunner{phases: map[models.Phase]phaseFunc{
		"readiness_assessment": func(models.PhaseRun) (models.PhaseOutput, error) {
			return models.PhaseOutput{}, errors.New("script defines no function for phase readiness_assessment")
		},
	}}
	require.NoError(t, o.Execute(context.Background(), flow, runner))

	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusFailed, got.Status)
	assert.Contains(t, got.Error, "readiness_assessment")
}

func TestCancelledContextPausesFlow(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "discovery.lua", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = o.Execute(ctx, flow, discoveryRunner(nil))
	assert.ErrorIs(t, err, context.Canceled)

	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, got.Status)
	assert.Equal(t, "interrupted", got.Error)
}

func TestStepLimit(t *testing.T) {
	o, store := newTestOrchestrator(t, WithMaxSteps(2))
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "discovery.lua", nil)
	require.NoError(t, err)

	runner := discoveryRunner(map[string]any{"hostname": "hostname", "owner": "owner"})
	require.NoError(t, o.Execute(context.Background(), flow, runner))

	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusFailed, got.Status)
	assert.Contains(t, got.Error, "step limit")
}

func TestStartFlowUnknownType(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.StartFlow("migration", "x.lua", nil)
	assert.ErrorContains(t, err, `unknown flow type "migration"`)
}

func TestStartFlowSeedsState(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "x.lua", map[string]any{"tenant": "acme"})
	require.NoError(t, err)

	ws, err := workspace.Open(filepath.Dir(flow.WorkspacePath), flow.ID)
	require.NoError(t, err)
	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tenant": "acme", "current_phase": "data_import"}, st)
}

func TestCancelAndDelete(t *testing.T) {
	o, store := newTestOrchestrator(t)
	flow, err := o.StartFlow(models.FlowTypeDiscovery, "discovery.lua", nil)
	require.NoError(t, err)

	require.NoError(t, o.CancelFlow(flow.ID))
	got, err := store.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCancelled, got.Status)
	assert.ErrorContains(t, o.CancelFlow(flow.ID), "already cancelled")

	require.NoError(t, o.DeleteFlow(flow.ID))
	assert.NoDirExists(t, flow.WorkspacePath)
	_, err = store.GetFlow(flow.ID)
	assert.Error(t, err)
}

func TestEvaluateBatch(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithBatchLimit(3))
	reqs := []EvalRequest{
		{FlowType: models.FlowTypeDiscovery, Phase: "data_import", State: map[string]any{"raw_data": inventory()}},
		{FlowType: models.FlowTypeDiscovery, Phase: "data_cleansing", Result: models.PhaseResult{"failure_rate": 0.15}},
		{FlowType: models.FlowTypeDiscovery, Phase: "asset_inventory"},
		{FlowType: models.FlowTypeCollection, Phase: "gap_analysis", Result: models.PhaseResult{"gaps": 0}},
		{FlowType: models.FlowTypeAssessment, Phase: "risk_assessment", Result: models.PhaseResult{"risk_level": "critical"}},
	}

	got, err := o.EvaluateBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, got, len(reqs))

	for i, req := range reqs {
		want := o.Engine().Decide(req.FlowType, req.Phase, req.Result, state.FromMap(req.State))
		if diff := cmp.Diff(want, got[i]); diff != "" {
			t.Errorf("request %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	assert.Equal(t, models.ActionPause, got[1].Action)
	assert.Equal(t, models.Terminal, got[2].NextPhase)
	assert.Equal(t, models.ActionSkip, got[3].Action)
}

func TestEvaluateBatchCancelled(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.EvaluateBatch(ctx, []EvalRequest{{FlowType: models.FlowTypeDiscovery, Phase: "data_import"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeState(t *testing.T) {
	st := map[string]any{
		"field_mappings": map[string]any{"hostname": "host_name"},
		"tenant":         "acme",
	}
	mergeState(st, map[string]any{
		"field_mappings": map[string]any{"owner": "app_owner"},
		"tenant":         "globex",
	})
	assert.Equal(t, map[string]any{
		"field_mappings": map[string]any{"hostname": "host_name", "owner": "app_owner"},
		"tenant":         "globex",
	}, st)
}
