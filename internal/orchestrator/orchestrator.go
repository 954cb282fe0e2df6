// Package orchestrator is the reference execution host: it runs phases,
// asks the decision engine what to do next and applies the answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/phasegate/internal/decision"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/mpataki/phasegate/internal/state"
	"github.com/mpataki/phasegate/internal/storage"
	"github.com/mpataki/phasegate/internal/workspace"
)

// PhaseRunner executes one phase of a flow.
type PhaseRunner interface {
	RunPhase(ctx context.Context, run models.PhaseRun) (models.PhaseOutput, error)
}

type Orchestrator struct {
	storage      *storage.Storage
	engine       *decision.Engine
	workspaceDir string
	log          *zap.Logger
	maxSteps     int
	batchLimit   int
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMaxSteps bounds the phase executions of one Execute call.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithBatchLimit bounds the concurrent decisions of EvaluateBatch.
func WithBatchLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchLimit = n
		}
	}
}

func New(store *storage.Storage, engine *decision.Engine, workspaceDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:      store,
		engine:       engine,
		workspaceDir: workspaceDir,
		log:          zap.NewNop(),
		maxSteps:     50,
		batchLimit:   8,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) StartFlow(ft models.FlowType, scriptPath string, initial map[string]any) (*models.Flow, error) {
	registry := o.engine.Registry()
	first, ok := registry.First(ft)
	if !ok {
		return nil, fmt.Errorf("unknown flow type %q", ft)
	}

	flow := &models.Flow{
		FlowType:     ft,
		CurrentPhase: first,
		Status:       models.FlowStatusPending,
		ScriptPath:   scriptPath,
	}

	flowID, err := o.storage.CreateFlow(flow)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}
	flow.ID = flowID

	ws, err := workspace.Create(o.workspaceDir, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	flow.WorkspacePath = ws.Path
	if err := o.storage.UpdateFlow(flow); err != nil {
		return nil, fmt.Errorf("failed to update flow with workspace path: %w", err)
	}

	meta := &workspace.FlowMetadata{
		FlowID:       flowID,
		FlowType:     ft,
		ScriptPath:   scriptPath,
		CurrentPhase: first,
		Phases:       registry.Phases(ft),
	}
	if err := ws.WriteFlowMetadata(meta); err != nil {
		return nil, err
	}

	st := map[string]any{}
	for k, v := range initial {
		st[k] = v
	}
	st[state.KeyCurrentPhase] = string(first)
	if err := ws.WriteState(st); err != nil {
		return nil, err
	}

	o.log.Info("flow started",
		zap.Int64("flow_id", flowID),
		zap.String("flow_type", string(ft)),
		zap.String("phase", string(first)),
	)
	return flow, nil
}

// Execute runs the flow from its current phase until it pauses, fails or
// completes. Cancelling ctx pauses the flow so it can be resumed.
func (o *Orchestrator) Execute(ctx context.Context, flow *models.Flow, runner PhaseRunner) error {
	ws, err := workspace.Open(o.workspaceDir, flow.ID)
	if err != nil {
		return err
	}

	flow.Status = models.FlowStatusRunning
	flow.Error = ""
	if err := o.storage.UpdateFlow(flow); err != nil {
		return err
	}

	log := o.log.With(zap.Int64("flow_id", flow.ID), zap.String("flow_type", string(flow.FlowType)))

	for step := 1; ; step++ {
		if step > o.maxSteps {
			return o.failFlow(flow, fmt.Sprintf("step limit of %d exceeded", o.maxSteps))
		}
		if err := ctx.Err(); err != nil {
			if perr := o.pauseFlow(flow, "interrupted"); perr != nil {
				return perr
			}
			return err
		}

		st, err := ws.ReadState()
		if err != nil {
			return err
		}

		phase := flow.CurrentPhase
		retries := retryCounts(st)
		run := models.PhaseRun{
			FlowID:   flow.ID,
			FlowType: flow.FlowType,
			Phase:    phase,
			Attempt:  retries[string(phase)] + 1,
			State:    st,
		}

		log.Debug("running phase", zap.String("phase", string(phase)), zap.Int("attempt", run.Attempt))
		out, err := runner.RunPhase(ctx, run)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if perr := o.pauseFlow(flow, "interrupted"); perr != nil {
					return perr
				}
				return err
			}
			log.Error("phase runner failed", zap.String("phase", string(phase)), zap.Error(err))
			return o.failFlow(flow, fmt.Sprintf("phase %s: %v", phase, err))
		}

		applyOutput(st, phase, out)
		if err := ws.WriteResult(phase, out.Result); err != nil {
			return err
		}

		d := o.engine.Decide(flow.FlowType, phase, out.Result, state.FromMap(st))

		rec := &models.DecisionRecord{
			FlowID:   flow.ID,
			Phase:    phase,
			Result:   out.Result,
			Decision: d,
		}
		if err := o.storage.RecordDecision(rec); err != nil {
			return fmt.Errorf("failed to record decision: %w", err)
		}
		if err := ws.AppendDecision(rec.SequenceNum, phase, d); err != nil {
			return err
		}

		log.Info("phase decided",
			zap.String("phase", string(phase)),
			zap.String("action", string(d.Action)),
			zap.String("next_phase", string(d.NextPhase)),
			zap.Float64("confidence", d.Confidence),
		)

		switch d.Action {
		case models.ActionProceed, models.ActionSkip:
			delete(retries, string(phase))
			st[state.KeyPhaseRetries] = retries
			if d.NextPhase.IsTerminal() {
				st[state.KeyCurrentPhase] = string(models.Terminal)
				if err := ws.WriteState(st); err != nil {
					return err
				}
				return o.completeFlow(flow)
			}
			flow.CurrentPhase = d.NextPhase
			st[state.KeyCurrentPhase] = string(d.NextPhase)
			if err := ws.WriteState(st); err != nil {
				return err
			}
			if err := o.storage.UpdateFlow(flow); err != nil {
				return err
			}

		case models.ActionRetry:
			retries[string(phase)]++
			st[state.KeyPhaseRetries] = retries
			if err := ws.WriteState(st); err != nil {
				return err
			}

		case models.ActionPause:
			if err := ws.WriteState(st); err != nil {
				return err
			}
			return o.pauseFlow(flow, "")

		case models.ActionFail:
			if err := ws.WriteState(st); err != nil {
				return err
			}
			return o.failFlow(flow, d.Reasoning)

		default:
			return o.failFlow(flow, fmt.Sprintf("unknown action %q", d.Action))
		}
	}
}

// Resume merges the operator's input for the paused phase into the flow
// state and continues the flow from that phase.
func (o *Orchestrator) Resume(ctx context.Context, flowID int64, runner PhaseRunner) (*models.Flow, error) {
	flow, err := o.storage.GetFlow(flowID)
	if err != nil {
		return nil, err
	}
	if flow.Status != models.FlowStatusPaused && flow.Status != models.FlowStatusPending {
		return flow, fmt.Errorf("flow %d is %s, not paused", flowID, flow.Status)
	}

	ws, err := workspace.Open(o.workspaceDir, flowID)
	if err != nil {
		return flow, err
	}

	input, ok, err := ws.ConsumeInput(flow.CurrentPhase)
	if err != nil {
		return flow, err
	}
	if ok {
		st, err := ws.ReadState()
		if err != nil {
			return flow, err
		}
		mergeState(st, input)
		if err := ws.WriteState(st); err != nil {
			return flow, err
		}
		o.log.Info("operator input applied",
			zap.Int64("flow_id", flowID),
			zap.String("phase", string(flow.CurrentPhase)),
			zap.Int("keys", len(input)),
		)
	}

	return flow, o.Execute(ctx, flow, runner)
}

// applyOutput folds a phase's output into the flow state.
func applyOutput(st map[string]any, phase models.Phase, out models.PhaseOutput) {
	mergeState(st, out.Updates)
	st[state.KeyCurrentPhase] = string(phase)

	if out.Failure != "" {
		errs := state.List(state.FromMap(st), state.KeyErrors)
		errs = append(errs, map[string]any{
			"severity": models.SeverityCritical,
			"message":  out.Failure,
		})
		st[state.KeyErrors] = errs
		return
	}

	completion := map[string]any{}
	for k, v := range state.BoolMap(state.FromMap(st), state.KeyPhaseCompletion) {
		completion[k] = v
	}
	completion[string(phase)] = true
	st[state.KeyPhaseCompletion] = completion
}

// mergeState sets every key of updates on st. Maps present on both sides
// are merged one level deep so partial corrections keep existing entries.
func mergeState(st, updates map[string]any) {
	for k, v := range updates {
		newMap, newIsMap := v.(map[string]any)
		oldMap, oldIsMap := st[k].(map[string]any)
		if newIsMap && oldIsMap {
			merged := make(map[string]any, len(oldMap)+len(newMap))
			for mk, mv := range oldMap {
				merged[mk] = mv
			}
			for mk, mv := range newMap {
				merged[mk] = mv
			}
			st[k] = merged
			continue
		}
		st[k] = v
	}
}

func retryCounts(st map[string]any) map[string]int {
	counts := state.IntMap(state.FromMap(st), state.KeyPhaseRetries)
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) completeFlow(flow *models.Flow) error {
	now := time.Now()
	flow.Status = models.FlowStatusComplete
	flow.CurrentPhase = models.Terminal
	flow.CompletedAt = &now
	o.log.Info("flow complete", zap.Int64("flow_id", flow.ID))
	return o.storage.UpdateFlow(flow)
}

func (o *Orchestrator) failFlow(flow *models.Flow, reason string) error {
	now := time.Now()
	flow.Status = models.FlowStatusFailed
	flow.CompletedAt = &now
	flow.Error = reason
	o.log.Warn("flow failed", zap.Int64("flow_id", flow.ID), zap.String("reason", reason))
	return o.storage.UpdateFlow(flow)
}

func (o *Orchestrator) pauseFlow(flow *models.Flow, reason string) error {
	flow.Status = models.FlowStatusPaused
	flow.Error = reason
	o.log.Info("flow paused",
		zap.Int64("flow_id", flow.ID),
		zap.String("phase", string(flow.CurrentPhase)),
	)
	return o.storage.UpdateFlow(flow)
}

// EvalRequest is one stateless decision for EvaluateBatch.
type EvalRequest struct {
	FlowType models.FlowType    `json:"flow_type" yaml:"flow_type"`
	Phase    models.Phase       `json:"phase" yaml:"phase"`
	Result   models.PhaseResult `json:"result" yaml:"result"`
	State    map[string]any     `json:"state" yaml:"state"`
}

// EvaluateBatch decides every request concurrently. Decisions come back in
// request order.
func (o *Orchestrator) EvaluateBatch(ctx context.Context, reqs []EvalRequest) ([]models.Decision, error) {
	out := make([]models.Decision, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.batchLimit)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = o.engine.Decide(req.FlowType, req.Phase, req.Result, state.FromMap(req.State))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Read methods for TUI

func (o *Orchestrator) ListFlows(limit int) ([]*models.Flow, error) {
	return o.storage.ListFlows(limit)
}

func (o *Orchestrator) GetFlow(id int64) (*models.Flow, error) {
	return o.storage.GetFlow(id)
}

func (o *Orchestrator) GetDecisionsForFlow(flowID int64) ([]*models.DecisionRecord, error) {
	return o.storage.GetDecisionsForFlow(flowID)
}

func (o *Orchestrator) Engine() *decision.Engine {
	return o.engine
}

func (o *Orchestrator) CancelFlow(flowID int64) error {
	flow, err := o.storage.GetFlow(flowID)
	if err != nil {
		return fmt.Errorf("failed to get flow: %w", err)
	}
	if flow.Status.Finished() {
		return fmt.Errorf("flow %d is already %s", flowID, flow.Status)
	}

	now := time.Now()
	flow.Status = models.FlowStatusCancelled
	flow.CompletedAt = &now
	o.log.Info("flow cancelled", zap.Int64("flow_id", flowID))
	return o.storage.UpdateFlow(flow)
}

func (o *Orchestrator) DeleteFlow(flowID int64) error {
	if _, err := o.storage.GetFlow(flowID); err != nil {
		return fmt.Errorf("failed to get flow: %w", err)
	}

	if ws, err := workspace.Open(o.workspaceDir, flowID); err == nil {
		if err := ws.Remove(); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}

	return o.storage.DeleteFlow(flowID)
}
