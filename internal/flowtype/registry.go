// Package flowtype holds the immutable phase graphs for each workflow type.
package flowtype

import (
	"fmt"
	"sort"

	"github.com/mpataki/phasegate/internal/models"
)

// defaultPhases is the built-in phase table. Registries built without a
// graph for some flow type fall back to these entries.
var defaultPhases = map[models.FlowType][]models.Phase{
	models.FlowTypeDiscovery: {
		"data_import",
		"field_mapping",
		"data_cleansing",
		"asset_inventory",
	},
	models.FlowTypeCollection: {
		"platform_detection",
		"automated_collection",
		"gap_analysis",
		"questionnaire_generation",
		"manual_collection",
		"synthesis",
	},
	models.FlowTypeAssessment: {
		"readiness_assessment",
		"complexity_analysis",
		"dependency_analysis",
		"tech_debt_assessment",
		"risk_assessment",
		"recommendation_generation",
	},
}

type sequence struct {
	phases []models.Phase
	index  map[models.Phase]int
}

// Registry maps each flow type to its ordered phases. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	graphs map[models.FlowType]sequence
}

var defaultRegistry = mustNew(defaultPhases)

// Default returns the built-in registry.
func Default() *Registry {
	return defaultRegistry
}

// New validates the graphs and builds a registry. Flow types missing from
// graphs use the built-in table.
func New(graphs map[models.FlowType][]models.Phase) (*Registry, error) {
	r := &Registry{graphs: make(map[models.FlowType]sequence)}
	for ft, phases := range defaultPhases {
		if _, ok := graphs[ft]; ok {
			continue
		}
		r.graphs[ft] = newSequence(phases)
	}
	for ft, phases := range graphs {
		if err := validatePhases(ft, phases); err != nil {
			return nil, err
		}
		r.graphs[ft] = newSequence(phases)
	}
	return r, nil
}

func mustNew(graphs map[models.FlowType][]models.Phase) *Registry {
	r, err := New(graphs)
	if err != nil {
		panic(err)
	}
	return r
}

func newSequence(phases []models.Phase) sequence {
	s := sequence{
		phases: append([]models.Phase(nil), phases...),
		index:  make(map[models.Phase]int, len(phases)),
	}
	for i, p := range s.phases {
		s.index[p] = i
	}
	return s
}

func validatePhases(ft models.FlowType, phases []models.Phase) error {
	if ft == "" {
		return fmt.Errorf("flow type must not be empty")
	}
	if len(phases) == 0 {
		return fmt.Errorf("flow type %q must define at least one phase", ft)
	}
	seen := make(map[models.Phase]bool, len(phases))
	for _, p := range phases {
		if p == "" {
			return fmt.Errorf("flow type %q has an empty phase name", ft)
		}
		if p.IsTerminal() {
			return fmt.Errorf("flow type %q: phase name %q is reserved", ft, p)
		}
		if seen[p] {
			return fmt.Errorf("flow type %q lists phase %q twice", ft, p)
		}
		seen[p] = true
	}
	return nil
}

// lookup falls back to the default table when r is nil or lacks ft.
func (r *Registry) lookup(ft models.FlowType) (sequence, bool) {
	if r != nil {
		if s, ok := r.graphs[ft]; ok {
			return s, true
		}
	}
	if r != defaultRegistry {
		return defaultRegistry.lookup(ft)
	}
	return sequence{}, false
}

// NextPhase returns the phase after p, or Terminal when p is the last
// phase, is unknown, or belongs to an unknown flow type.
func (r *Registry) NextPhase(p models.Phase, ft models.FlowType) models.Phase {
	s, ok := r.lookup(ft)
	if !ok {
		return models.Terminal
	}
	i, ok := s.index[p]
	if !ok || i+1 >= len(s.phases) {
		return models.Terminal
	}
	return s.phases[i+1]
}

// Index returns the position of p in ft's sequence.
func (r *Registry) Index(p models.Phase, ft models.FlowType) (int, bool) {
	s, ok := r.lookup(ft)
	if !ok {
		return 0, false
	}
	i, ok := s.index[p]
	return i, ok
}

func (r *Registry) Contains(p models.Phase, ft models.FlowType) bool {
	_, ok := r.Index(p, ft)
	return ok
}

// Phases returns a copy of ft's sequence.
func (r *Registry) Phases(ft models.FlowType) []models.Phase {
	s, ok := r.lookup(ft)
	if !ok {
		return nil
	}
	return append([]models.Phase(nil), s.phases...)
}

func (r *Registry) First(ft models.FlowType) (models.Phase, bool) {
	s, ok := r.lookup(ft)
	if !ok || len(s.phases) == 0 {
		return "", false
	}
	return s.phases[0], true
}

// IsTerminal reports whether p is the last phase of ft.
func (r *Registry) IsTerminal(p models.Phase, ft models.FlowType) bool {
	s, ok := r.lookup(ft)
	if !ok {
		return false
	}
	i, ok := s.index[p]
	return ok && i == len(s.phases)-1
}

// FlowTypes lists the configured flow types in lexical order.
func (r *Registry) FlowTypes() []models.FlowType {
	seen := map[models.FlowType]bool{}
	if r != nil {
		for ft := range r.graphs {
			seen[ft] = true
		}
	}
	for ft := range defaultPhases {
		seen[ft] = true
	}
	out := make([]models.FlowType, 0, len(seen))
	for ft := range seen {
		out = append(out, ft)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
