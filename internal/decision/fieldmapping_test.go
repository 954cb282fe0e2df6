package decision

import (
	"fmt"
	"testing"

	"github.com/mpataki/phasegate/internal/state"
	"github.com/stretchr/testify/assert"
)

func TestScoreMapping(t *testing.T) {
	tuning := DefaultTuning().Mapping
	tests := []struct {
		source, target string
		want           float64
	}{
		{"hostname", "HostName", 1.0},
		{"hostname", "server_name", 0.9},
		{"ip", "ip_address", 0.9},
		{"env", "environment", 0.9},
		{"serial_number_primary", "serial_number", 0.7},
		{"cpu", "processor_model", 0.5},
		{"rack", "", 0},
		{"rack", "   ", 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.source, tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, scoreMapping(tt.source, tt.target, tuning))
		})
	}
}

func TestAnalyzeFieldMappings(t *testing.T) {
	acc := state.FromMap(map[string]any{
		"field_mappings": map[string]any{
			"hostname":  "host_name",
			"ip":        "ip_address",
			"cpu":       "processor_model",
			"rack_unit": "",
		},
	})

	ma := AnalyzeFieldMappings(acc)

	assert.Equal(t, 4, ma.TotalFields)
	assert.InDelta(t, 0.5, ma.Confidence, 1e-9)
	assert.Equal(t, []string{"cpu", "hostname", "ip"}, ma.MappedFields)
	assert.Equal(t, []MappingPair{{Source: "rack_unit", Target: "", Score: 0}}, ma.AmbiguousMappings)
}

func TestAnalyzeFieldMappingsEmpty(t *testing.T) {
	ma := AnalyzeFieldMappings(state.FromMap(nil))
	assert.Equal(t, 0, ma.TotalFields)
	assert.Equal(t, 0.0, ma.Confidence)
	assert.Empty(t, ma.AmbiguousMappings)
}

func TestIdentifyCriticalFieldsForMigration(t *testing.T) {
	raw := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		raw = append(raw, map[string]any{
			"asset_id":     fmt.Sprintf("A-%03d", i),
			"os":           "linux",
			"owner":        "alice",
			"notes":        "",
			"cost_center":  "",
			"server_group": "web",
		})
	}

	got := IdentifyCriticalFieldsForMigration(state.FromMap(map[string]any{"raw_data": raw}))

	assert.Equal(t, []string{"asset_id", "owner"}, got)
	assert.Empty(t, IdentifyCriticalFieldsForMigration(state.FromMap(nil)))
}

func TestCalculateApprovalThreshold(t *testing.T) {
	t.Run("no critical fields", func(t *testing.T) {
		assert.InDelta(t, 0.75, CalculateApprovalThreshold(MappingAnalysis{}, nil), 1e-9)
	})
	t.Run("partial coverage and ambiguity", func(t *testing.T) {
		ma := MappingAnalysis{
			MappedFields:      []string{"hostname"},
			AmbiguousMappings: make([]MappingPair, 3),
		}
		got := CalculateApprovalThreshold(ma, []string{"hostname", "owner"})
		assert.InDelta(t, 0.75+0.075+0.06, got, 1e-9)
	})
	t.Run("capped", func(t *testing.T) {
		ma := MappingAnalysis{AmbiguousMappings: make([]MappingPair, 20)}
		assert.InDelta(t, 0.95, CalculateApprovalThreshold(ma, []string{"owner"}), 1e-9)
	})
}
