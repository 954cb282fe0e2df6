// Package state gives the decision engine one read path over flow
// snapshots, whether they arrive as a decoded key-value bag or as a typed
// models.FlowState.
package state

import (
	"github.com/mpataki/phasegate/internal/models"
)

// Well-known snapshot keys.
const (
	KeyCurrentPhase           = "current_phase"
	KeyRawData                = "raw_data"
	KeyFieldMappings          = "field_mappings"
	KeyFieldMappingConfidence = "field_mapping_confidence"
	KeyPhaseCompletion        = "phase_completion"
	KeyErrors                 = "errors"
	KeyAgentConfidences       = "agent_confidences"
	KeyPhaseRetries           = "phase_retries"
)

// Accessor is a read-only view of a flow snapshot.
type Accessor interface {
	// Get returns the value stored under name and whether it was present.
	Get(name string) (any, bool)
}

type mapState map[string]any

func (m mapState) Get(name string) (any, bool) {
	v, ok := m[name]
	if ok && v == nil {
		return nil, false
	}
	return v, ok
}

// FromMap wraps a key-value snapshot. A nil map behaves as an empty one.
func FromMap(m map[string]any) Accessor {
	return mapState(m)
}

type recordState struct {
	r *models.FlowState
}

// FromRecord wraps a typed snapshot. Empty collections and unset fields
// read as absent.
func FromRecord(r *models.FlowState) Accessor {
	if r == nil {
		r = &models.FlowState{}
	}
	return recordState{r: r}
}

func (s recordState) Get(name string) (any, bool) {
	r := s.r
	switch name {
	case KeyCurrentPhase:
		return string(r.CurrentPhase), r.CurrentPhase != ""
	case KeyRawData:
		return r.RawData, len(r.RawData) > 0
	case KeyFieldMappings:
		return r.FieldMappings, len(r.FieldMappings) > 0
	case KeyFieldMappingConfidence:
		if r.FieldMappingConfidence == nil {
			return nil, false
		}
		return *r.FieldMappingConfidence, true
	case KeyPhaseCompletion:
		return r.PhaseCompletion, len(r.PhaseCompletion) > 0
	case KeyErrors:
		if len(r.Errors) == 0 {
			return nil, false
		}
		errs := make([]any, 0, len(r.Errors))
		for _, e := range r.Errors {
			errs = append(errs, map[string]any{"severity": e.Severity, "message": e.Message})
		}
		return errs, true
	case KeyAgentConfidences:
		return r.AgentConfidences, len(r.AgentConfidences) > 0
	case KeyPhaseRetries:
		return r.PhaseRetries, len(r.PhaseRetries) > 0
	}
	v, ok := r.Extra[name]
	if ok && v == nil {
		return nil, false
	}
	return v, ok
}

// Wrap picks the adapter for v. Unknown shapes read as an empty snapshot.
func Wrap(v any) Accessor {
	switch s := v.(type) {
	case Accessor:
		return s
	case map[string]any:
		return FromMap(s)
	case models.PhaseResult:
		return FromMap(s)
	case *models.FlowState:
		return FromRecord(s)
	case models.FlowState:
		return FromRecord(&s)
	}
	return FromMap(nil)
}

// GetAttr returns the value under name, or def when it is absent.
func GetAttr(acc Accessor, name string, def any) any {
	if acc == nil {
		return def
	}
	if v, ok := acc.Get(name); ok {
		return v
	}
	return def
}
