package models

// Severity values used in FlowError.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

type FlowError struct {
	Severity string `json:"severity" yaml:"severity"`
	Message  string `json:"message" yaml:"message"`
}

// FlowState is the typed form of a flow snapshot. Keys not modelled as
// fields go into Extra. FieldMappingConfidence is nil when not reported.
type FlowState struct {
	CurrentPhase           Phase              `json:"current_phase" yaml:"current_phase"`
	RawData                []map[string]any   `json:"raw_data" yaml:"raw_data"`
	FieldMappings          map[string]string  `json:"field_mappings" yaml:"field_mappings"`
	FieldMappingConfidence *float64           `json:"field_mapping_confidence" yaml:"field_mapping_confidence"`
	PhaseCompletion        map[string]bool    `json:"phase_completion" yaml:"phase_completion"`
	Errors                 []FlowError        `json:"errors" yaml:"errors"`
	AgentConfidences       map[string]float64 `json:"agent_confidences" yaml:"agent_confidences"`
	PhaseRetries           map[string]int     `json:"phase_retries" yaml:"phase_retries"`
	Extra                  map[string]any     `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// PhaseResult is the structured output of the phase that just completed.
type PhaseResult map[string]any
