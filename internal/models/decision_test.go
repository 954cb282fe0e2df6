package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDecisionClampsConfidence(t *testing.T) {
	now := time.Now()
	for _, tc := range []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0.42, 0.42},
		{1.7, 1},
		{math.NaN(), 0},
	} {
		d := NewDecision(ActionProceed, "field_mapping", tc.in, "ok", nil, now)
		assert.Equal(t, tc.want, d.Confidence, "input %v", tc.in)
	}
}

func TestNewDecisionCopiesMetadata(t *testing.T) {
	meta := map[string]any{"threshold": 0.75}
	d := NewDecision(ActionPause, "field_mapping", 0.6, "low confidence", meta, time.Now())

	meta["threshold"] = 0.1
	require.Equal(t, 0.75, d.Metadata["threshold"])
}

func TestNewDecisionRequiresReasoning(t *testing.T) {
	d := NewDecision(ActionRetry, "asset_creation", 0.5, "   ", nil, time.Now())
	assert.NotEmpty(t, d.Reasoning)
	assert.NotNil(t, d.Metadata)
}

func TestDecisionIsTerminal(t *testing.T) {
	now := time.Now()
	assert.True(t, NewDecision(ActionFail, Terminal, 0.95, "boom", nil, now).IsTerminal())
	assert.True(t, NewDecision(ActionProceed, Terminal, 1, "done", nil, now).IsTerminal())
	assert.False(t, NewDecision(ActionProceed, "data_cleansing", 1, "next", nil, now).IsTerminal())
	assert.False(t, NewDecision(ActionPause, "field_mapping", 0.5, "wait", nil, now).IsTerminal())
}

func TestParseFlowType(t *testing.T) {
	ft, ok := ParseFlowType(" Discovery ")
	require.True(t, ok)
	assert.Equal(t, FlowTypeDiscovery, ft)

	_, ok = ParseFlowType("planning")
	assert.False(t, ok)
}
