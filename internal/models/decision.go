package models

import (
	"math"
	"strings"
	"time"
)

type Action string

const (
	ActionProceed Action = "proceed"
	ActionPause   Action = "pause"
	ActionSkip    Action = "skip"
	ActionRetry   Action = "retry"
	ActionFail    Action = "fail"
)

// Advances reports whether the host should persist NextPhase and continue.
func (a Action) Advances() bool {
	return a == ActionProceed || a == ActionSkip
}

func (a Action) Valid() bool {
	switch a {
	case ActionProceed, ActionPause, ActionSkip, ActionRetry, ActionFail:
		return true
	}
	return false
}

// Phase identifies a named stage in a workflow.
type Phase string

// Terminal is the only "no further phase" value. Phase graphs may not
// contain a phase with this name.
const Terminal Phase = "completed"

func (p Phase) IsTerminal() bool {
	return p == Terminal
}

func (p Phase) String() string {
	return string(p)
}

type FlowType string

const (
	FlowTypeDiscovery  FlowType = "discovery"
	FlowTypeCollection FlowType = "collection"
	FlowTypeAssessment FlowType = "assessment"
)

func ParseFlowType(s string) (FlowType, bool) {
	switch ft := FlowType(strings.ToLower(strings.TrimSpace(s))); ft {
	case FlowTypeDiscovery, FlowTypeCollection, FlowTypeAssessment:
		return ft, true
	}
	return "", false
}

// Decision is the engine's only output. Build it with NewDecision and pass
// it by value; nothing modifies it after construction.
type Decision struct {
	Action     Action         `json:"action"`
	NextPhase  Phase          `json:"next_phase"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Metadata   map[string]any `json:"metadata"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewDecision clamps confidence into [0,1] and copies metadata so the caller
// can't alias it.
func NewDecision(action Action, next Phase, confidence float64, reasoning string, metadata map[string]any, at time.Time) Decision {
	if confidence < 0 || math.IsNaN(confidence) {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if strings.TrimSpace(reasoning) == "" {
		reasoning = "no reasoning provided for " + string(action)
	}
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return Decision{
		Action:     action,
		NextPhase:  next,
		Confidence: confidence,
		Reasoning:  reasoning,
		Metadata:   meta,
		Timestamp:  at,
	}
}

// IsTerminal reports whether applying the decision ends the workflow.
func (d Decision) IsTerminal() bool {
	return d.Action == ActionFail || (d.Action.Advances() && d.NextPhase.IsTerminal())
}
