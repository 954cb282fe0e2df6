// Package decision decides what a workflow does after each phase: proceed,
// pause for a human, retry, skip ahead or fail. Decisions are computed from
// the phase result and a read-only flow snapshot; nothing here performs I/O
// or keeps state between calls, so one Engine can serve any number of
// goroutines.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/flowtype"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/mpataki/phasegate/internal/state"
	"go.uber.org/zap"
)

// Strategy is one decision table entry.
type Strategy interface {
	Decide(in *Input) models.Decision
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(in *Input) models.Decision

func (f StrategyFunc) Decide(in *Input) models.Decision {
	return f(in)
}

// Table maps the phases of one flow type to their strategies.
type Table map[models.Phase]Strategy

type Engine struct {
	registry *flowtype.Registry
	tuning   Tuning
	tables   map[models.FlowType]Table
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithTuning(t Tuning) Option {
	return func(e *Engine) { e.tuning = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the source of Decision.Timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStrategy installs or replaces the strategy for one phase.
func WithStrategy(ft models.FlowType, phase models.Phase, s Strategy) Option {
	return func(e *Engine) {
		if e.tables[ft] == nil {
			e.tables[ft] = Table{}
		}
		e.tables[ft][phase] = s
	}
}

// New builds an engine over registry. A nil registry uses the built-in
// phase table.
func New(registry *flowtype.Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = flowtype.Default()
	}
	e := &Engine{
		registry: registry,
		tuning:   DefaultTuning(),
		tables: map[models.FlowType]Table{
			models.FlowTypeDiscovery:  discoveryTable(),
			models.FlowTypeCollection: collectionTable(),
			models.FlowTypeAssessment: assessmentTable(),
		},
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *flowtype.Registry {
	return e.registry
}

func (e *Engine) Tuning() Tuning {
	return e.tuning
}

// Decide returns the decision for a flow whose phase just completed.
func (e *Engine) Decide(ft models.FlowType, phase models.Phase, result models.PhaseResult, st state.Accessor) models.Decision {
	if st == nil {
		st = state.FromMap(nil)
	}
	in := &Input{
		FlowType: ft,
		Phase:    phase,
		Result:   state.FromMap(result),
		State:    st,
		engine:   e,
	}
	in.Analysis = e.analyze(in)

	var d models.Decision
	switch {
	case in.Analysis.HasErrors:
		d = e.failOnErrors(in)
	default:
		s, ok := e.tables[ft][phase]
		if !ok {
			s = StrategyFunc(defaultStrategy)
		}
		d = s.Decide(in)
	}

	e.log.Debug("phase decision",
		zap.String("flow_type", string(ft)),
		zap.String("phase", string(phase)),
		zap.String("action", string(d.Action)),
		zap.String("next_phase", string(d.NextPhase)),
		zap.Float64("confidence", d.Confidence),
	)
	return d
}

func (e *Engine) failOnErrors(in *Input) models.Decision {
	return in.decide(models.ActionFail, models.Terminal, e.tuning.ErrorConfidence,
		fmt.Sprintf("critical error in %s: %s", in.Phase, strings.Join(in.Analysis.CriticalErrors, "; ")),
		map[string]any{"errors": in.Analysis.CriticalErrors})
}

func defaultStrategy(in *Input) models.Decision {
	next := in.Next()
	return in.decide(models.ActionProceed, next, in.Tuning().DefaultConfidence,
		fmt.Sprintf("no specific rules for %s/%s; proceeding to %s", in.FlowType, in.Phase, next),
		nil)
}

// Input is what a strategy sees for one decision.
type Input struct {
	FlowType models.FlowType
	Phase    models.Phase
	Result   state.Accessor
	State    state.Accessor
	Analysis Analysis

	engine *Engine
}

func (in *Input) Tuning() Tuning {
	return in.engine.tuning
}

// Next is the configured phase after the current one.
func (in *Input) Next() models.Phase {
	return in.engine.registry.NextPhase(in.Phase, in.FlowType)
}

// After returns the phase following p in this flow.
func (in *Input) After(p models.Phase) models.Phase {
	return in.engine.registry.NextPhase(p, in.FlowType)
}

// Retries is how many times the host has already rerun this phase.
func (in *Input) Retries() int {
	return state.IntMap(in.State, state.KeyPhaseRetries)[string(in.Phase)]
}

func (in *Input) RetriesLeft() bool {
	return in.Retries() < in.Tuning().MaxRetries
}

// Threshold raises base by the flow's risk, quality and complexity.
func (in *Input) Threshold(base float64) float64 {
	a := in.Analysis
	return in.Tuning().Adjustments.Threshold(base, a.RiskFactors, a.DataQuality, a.Complexity)
}

// score is WeightedAverage with the given table weights.
func score(factors map[string]float64, weights Weights) float64 {
	return confidence.WeightedAverage(factors, weights)
}

func (in *Input) decide(action models.Action, next models.Phase, conf float64, reasoning string, meta map[string]any) models.Decision {
	m := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		m[k] = v
	}
	m["flow_type"] = string(in.FlowType)
	m["phase"] = string(in.Phase)
	m["analysis"] = in.Analysis.Summary()
	return models.NewDecision(action, next, conf, reasoning, m, in.engine.now())
}

// stay pauses or retries on the current phase.
func (in *Input) stay(action models.Action, conf float64, reasoning string, meta map[string]any) models.Decision {
	return in.decide(action, in.Phase, conf, reasoning, meta)
}
