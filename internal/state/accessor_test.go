package state

import (
	"testing"

	"github.com/mpataki/phasegate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *models.FlowState {
	return &models.FlowState{
		CurrentPhase:           "field_mapping",
		RawData:                []map[string]any{{"hostname": "web-01", "owner": "ops"}},
		FieldMappings:          map[string]string{"hostname": "host_name"},
		FieldMappingConfidence: ptr(0.82),
		PhaseCompletion:        map[string]bool{"data_import": true},
		Errors:                 []models.FlowError{{Severity: "critical", Message: "import crashed"}},
		AgentConfidences:       map[string]float64{"mapper": 0.9},
		PhaseRetries:           map[string]int{"asset_creation": 2},
		Extra:                  map[string]any{"detected_platforms": []string{"aws"}},
	}
}

func ptr(f float64) *float64 { return &f }

func sampleMap() map[string]any {
	return map[string]any{
		"current_phase":            "field_mapping",
		"raw_data":                 []any{map[string]any{"hostname": "web-01", "owner": "ops"}},
		"field_mappings":           map[string]any{"hostname": "host_name"},
		"field_mapping_confidence": 0.82,
		"phase_completion":         map[string]any{"data_import": true},
		"errors":                   []any{map[string]any{"severity": "critical", "message": "import crashed"}},
		"agent_confidences":        map[string]any{"mapper": 0.9},
		"phase_retries":            map[string]any{"asset_creation": 2},
		"detected_platforms":       []any{"aws"},
	}
}

func TestAdaptersReadIdentically(t *testing.T) {
	for name, acc := range map[string]Accessor{
		"map":    FromMap(sampleMap()),
		"record": FromRecord(sampleRecord()),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, "field_mapping", String(acc, KeyCurrentPhase, ""))
			assert.Len(t, Records(acc, KeyRawData), 1)
			assert.Equal(t, map[string]string{"hostname": "host_name"}, StringMap(acc, KeyFieldMappings))
			assert.InDelta(t, 0.82, Float(acc, KeyFieldMappingConfidence, 0), 1e-9)
			assert.True(t, BoolMap(acc, KeyPhaseCompletion)["data_import"])
			assert.Equal(t, []string{"import crashed"}, CriticalErrors(acc))
			assert.InDelta(t, 0.9, FloatMap(acc, KeyAgentConfidences)["mapper"], 1e-9)
			assert.Equal(t, 2, IntMap(acc, KeyPhaseRetries)["asset_creation"])
			assert.Equal(t, []string{"aws"}, Strings(acc, "detected_platforms"))
			assert.Equal(t, 1, Count(acc, "detected_platforms"))
		})
	}
}

func TestGetAttrDefaults(t *testing.T) {
	acc := FromMap(map[string]any{"present": 1, "null": nil})
	assert.Equal(t, 1, GetAttr(acc, "present", 0))
	assert.Equal(t, "fallback", GetAttr(acc, "null", "fallback"))
	assert.Equal(t, "fallback", GetAttr(acc, "absent", "fallback"))
	assert.Equal(t, "fallback", GetAttr(nil, "absent", "fallback"))
}

func TestRecordZeroFieldsReadAsAbsent(t *testing.T) {
	acc := FromRecord(&models.FlowState{})
	assert.False(t, Has(acc, KeyFieldMappingConfidence))
	assert.False(t, Has(acc, KeyErrors))
	assert.Equal(t, 0.5, Float(acc, KeyFieldMappingConfidence, 0.5))
}

func TestZeroConfidenceIsPresentInBothShapes(t *testing.T) {
	for name, acc := range map[string]Accessor{
		"map":    FromMap(map[string]any{"field_mapping_confidence": 0.0}),
		"record": FromRecord(&models.FlowState{FieldMappingConfidence: ptr(0)}),
	} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, Has(acc, KeyFieldMappingConfidence))
			assert.Equal(t, 0.0, Float(acc, KeyFieldMappingConfidence, 0.5))
		})
	}
}

func TestWrapSelectsAdapter(t *testing.T) {
	rec := sampleRecord()
	assert.IsType(t, recordState{}, Wrap(rec))
	assert.IsType(t, recordState{}, Wrap(*rec))
	assert.IsType(t, mapState{}, Wrap(sampleMap()))
	assert.IsType(t, mapState{}, Wrap(models.PhaseResult{"records_processed": 3}))

	acc := FromMap(nil)
	require.Equal(t, acc, Wrap(acc))
	assert.False(t, Has(Wrap(42), KeyRawData))
}

func TestReadersTolerateBadValues(t *testing.T) {
	acc := FromMap(map[string]any{
		"rate":     "not a number",
		"count":    "7",
		"mappings": 12,
		"raw_data": []any{"oops", map[string]any{"a": 1}},
	})
	assert.Equal(t, 0.3, Float(acc, "rate", 0.3))
	assert.Equal(t, 7, Int(acc, "count", 0))
	assert.Empty(t, StringMap(acc, "mappings"))
	assert.Len(t, Records(acc, "raw_data"), 1)
}
