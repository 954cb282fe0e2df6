package decision

import (
	"sort"
	"strings"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/mpataki/phasegate/internal/state"
)

// Metrics are phase-specific numbers pulled from the phase result and the
// flow snapshot. Missing metrics read as 0.
type Metrics map[string]float64

func (m Metrics) Get(name string) float64 {
	return m[name]
}

type Analysis struct {
	HasErrors      bool
	CriticalErrors []string
	DataQuality    float64
	Completeness   float64
	Complexity     float64
	RiskFactors    []string
	Metrics        Metrics
	// Labels carries non-numeric phase findings such as a risk level.
	Labels map[string]string
}

// Summary is the analysis in a form fit for Decision.Metadata.
func (a Analysis) Summary() map[string]any {
	s := map[string]any{
		"data_quality": a.DataQuality,
		"completeness": a.Completeness,
		"complexity":   a.Complexity,
		"risk_factors": append([]string(nil), a.RiskFactors...),
	}
	if len(a.Metrics) > 0 {
		m := make(map[string]float64, len(a.Metrics))
		for k, v := range a.Metrics {
			m[k] = v
		}
		s["metrics"] = m
	}
	if len(a.Labels) > 0 {
		l := make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			l[k] = v
		}
		s["labels"] = l
	}
	return s
}

type extractor func(in *Input, a *Analysis)

// extractors is keyed like the decision tables so a phase name reused by a
// custom graph does not pick up another flow type's metrics.
var extractors = map[models.FlowType]map[models.Phase]extractor{
	models.FlowTypeDiscovery: {
		"data_import":     importMetrics,
		"field_mapping":   mappingMetrics,
		"data_cleansing":  cleansingMetrics,
		"asset_creation":  assetMetrics,
		"asset_inventory": assetMetrics,
	},
	models.FlowTypeCollection: {
		"platform_detection":       platformMetrics,
		"automated_collection":     automatedCollectionMetrics,
		"gap_analysis":             gapMetrics,
		"questionnaire_generation": questionnaireMetrics,
		"manual_collection":        responseMetrics,
		"synthesis":                synthesisMetrics,
	},
	models.FlowTypeAssessment: {
		"readiness_assessment":      readinessMetrics,
		"complexity_analysis":       complexityMetrics,
		"dependency_analysis":       dependencyMetrics,
		"tech_debt_assessment":      techDebtMetrics,
		"risk_assessment":           riskMetrics,
		"recommendation_generation": recommendationMetrics,
	},
}

func (e *Engine) analyze(in *Input) Analysis {
	errs := state.CriticalErrors(in.State)
	a := Analysis{
		HasErrors:      len(errs) > 0,
		CriticalErrors: errs,
		DataQuality:    state.AssessDataQuality(in.State),
		Completeness:   state.AssessCompleteness(in.Phase, in.State),
		Complexity:     state.AssessComplexity(in.State),
		RiskFactors:    state.IdentifyRiskFactors(in.State),
		Metrics:        Metrics{},
		Labels:         map[string]string{},
	}
	if ex, ok := extractors[in.FlowType][in.Phase]; ok {
		ex(in, &a)
	}
	return a
}

// firstFloat reads the first present key from the result, then the state.
func firstFloat(in *Input, def float64, keys ...string) (float64, bool) {
	for _, src := range []state.Accessor{in.Result, in.State} {
		for _, k := range keys {
			if state.Has(src, k) {
				return state.Float(src, k, def), true
			}
		}
	}
	return def, false
}

// firstCount is firstFloat for list-or-number values.
func firstCount(in *Input, keys ...string) (int, bool) {
	for _, src := range []state.Accessor{in.Result, in.State} {
		for _, k := range keys {
			if state.Has(src, k) {
				return state.Count(src, k), true
			}
		}
	}
	return 0, false
}

func agentConfidence(in *Input) (float64, bool) {
	c, ok := state.FloatMap(in.State, state.KeyAgentConfidences)[string(in.Phase)]
	return c, ok
}

func importMetrics(in *Input, a *Analysis) {
	processed, ok := firstFloat(in, 0, "records_processed", "total_records")
	if !ok {
		processed = float64(len(state.Records(in.State, state.KeyRawData)))
	}
	failed, _ := firstFloat(in, 0, "failed_records", "records_failed")
	rate, ok := firstFloat(in, 0, "success_rate")
	if !ok {
		rate = confidence.Ratio(processed-failed, processed)
	}
	a.Metrics["records_processed"] = processed
	a.Metrics["failed_records"] = failed
	a.Metrics["success_rate"] = confidence.Clamp01(rate)
}

func mappingMetrics(in *Input, a *Analysis) {
	ma := analyzeFieldMappings(in.State, in.Tuning().Mapping)
	a.Metrics["mapping_confidence"] = ma.Confidence
	a.Metrics["total_fields"] = float64(ma.TotalFields)
	a.Metrics["mapped_fields"] = float64(len(ma.MappedFields))
	a.Metrics["ambiguous_mappings"] = float64(len(ma.AmbiguousMappings))
	if state.Has(in.State, state.KeyFieldMappingConfidence) {
		a.Metrics["reported_confidence"] = confidence.Clamp01(state.Float(in.State, state.KeyFieldMappingConfidence, 0))
	}
}

// cleansingMetrics reads records_cleaned as the successes only, and
// records_processed as the total including failures.
func cleansingMetrics(in *Input, a *Analysis) {
	failed, _ := firstFloat(in, 0, "records_failed", "failed_records")
	cleaned, hasCleaned := firstFloat(in, 0, "records_cleaned")
	total := cleaned + failed
	if !hasCleaned {
		total, _ = firstFloat(in, 0, "records_processed")
		cleaned = max(total-failed, 0)
	}
	rate, ok := firstFloat(in, 0, "failure_rate")
	if !ok {
		rate = confidence.Ratio(failed, total)
	}
	improvement, _ := firstFloat(in, 0, "quality_improvement")
	a.Metrics["records_cleaned"] = cleaned
	a.Metrics["records_failed"] = failed
	a.Metrics["failure_rate"] = confidence.Clamp01(rate)
	a.Metrics["quality_improvement"] = improvement
}

func assetMetrics(in *Input, a *Analysis) {
	created, _ := firstFloat(in, 0, "assets_created", "total_assets")
	failed, _ := firstFloat(in, 0, "assets_failed")
	rate, ok := firstFloat(in, 0, "failure_rate")
	if !ok {
		rate = confidence.Ratio(failed, created+failed)
	}
	a.Metrics["assets_created"] = created
	a.Metrics["assets_failed"] = failed
	a.Metrics["failure_rate"] = confidence.Clamp01(rate)
}

func platformMetrics(in *Input, a *Analysis) {
	platforms, _ := firstCount(in, "platforms", "detected_platforms")
	conf, ok := firstFloat(in, 0, "detection_confidence", "confidence")
	if !ok {
		conf, _ = agentConfidence(in)
	}
	a.Metrics["platforms_detected"] = float64(platforms)
	a.Metrics["detection_confidence"] = confidence.Clamp01(conf)
}

func automatedCollectionMetrics(in *Input, a *Analysis) {
	collected, _ := firstFloat(in, 0, "collected_count", "records_collected")
	expected, _ := firstFloat(in, 0, "expected_count")
	coverage, ok := firstFloat(in, 0, "coverage")
	if !ok {
		coverage = confidence.Ratio(collected, expected)
	}
	failed, _ := firstCount(in, "failed_adapters")
	a.Metrics["collected"] = collected
	a.Metrics["expected"] = expected
	a.Metrics["coverage"] = confidence.Clamp01(coverage)
	a.Metrics["failed_adapters"] = float64(failed)
}

func gapMetrics(in *Input, a *Analysis) {
	gaps, ok := firstCount(in, "gaps", "gap_count")
	critical, _ := firstCount(in, "critical_gaps")
	a.Metrics["gaps"] = float64(gaps)
	a.Metrics["critical_gaps"] = float64(critical)
	if ok {
		a.Metrics["gaps_reported"] = 1
	}
}

func questionnaireMetrics(in *Input, a *Analysis) {
	generated, _ := firstCount(in, "questionnaires", "questionnaires_generated")
	gaps, _ := firstCount(in, "gaps", "gap_count")
	a.Metrics["questionnaires"] = float64(generated)
	a.Metrics["gaps"] = float64(gaps)
}

func responseMetrics(in *Input, a *Analysis) {
	total, _ := firstFloat(in, 0, "questions_total")
	received, _ := firstFloat(in, 0, "responses_received")
	rate, ok := firstFloat(in, 0, "response_rate")
	if !ok {
		rate = confidence.Ratio(received, total)
	}
	a.Metrics["questions_total"] = total
	a.Metrics["responses_received"] = received
	a.Metrics["response_rate"] = confidence.Clamp01(rate)
}

func synthesisMetrics(in *Input, a *Analysis) {
	score, ok := firstFloat(in, 0, "completeness_score")
	if !ok {
		score = a.Completeness
	}
	conflicts, _ := firstCount(in, "unresolved_conflicts")
	total, _ := firstCount(in, "conflicts")
	a.Metrics["completeness_score"] = confidence.Clamp01(score)
	a.Metrics["unresolved_conflicts"] = float64(conflicts)
	a.Metrics["conflicts"] = float64(total)
}

func readinessMetrics(in *Input, a *Analysis) {
	apps, _ := firstCount(in, "applications", "selected_applications")
	readiness, _ := firstFloat(in, 0, "readiness_score")
	a.Metrics["applications"] = float64(apps)
	a.Metrics["readiness_score"] = confidence.Clamp01(readiness)
}

func complexityMetrics(in *Input, a *Analysis) {
	score, _ := firstFloat(in, 0, "complexity_score")
	components, _ := firstCount(in, "components", "components_analyzed")
	a.Metrics["complexity_score"] = confidence.Clamp01(score)
	a.Metrics["components"] = float64(components)
}

func dependencyMetrics(in *Input, a *Analysis) {
	deps, _ := firstCount(in, "dependencies")
	cycles, _ := firstCount(in, "circular_dependencies")
	a.Metrics["dependencies"] = float64(deps)
	a.Metrics["circular_dependencies"] = float64(cycles)
}

func techDebtMetrics(in *Input, a *Analysis) {
	score, _ := firstFloat(in, 0, "tech_debt_score")
	items, _ := firstCount(in, "tech_debt_items")
	coverage, ok := firstFloat(in, 0, "coverage")
	if !ok {
		coverage = a.Completeness
	}
	a.Metrics["tech_debt_score"] = confidence.Clamp01(score)
	a.Metrics["tech_debt_items"] = float64(items)
	a.Metrics["coverage"] = confidence.Clamp01(coverage)
}

func riskMetrics(in *Input, a *Analysis) {
	score, _ := firstFloat(in, 0, "risk_score")
	a.Metrics["risk_score"] = confidence.Clamp01(score)
	for _, src := range []state.Accessor{in.Result, in.State} {
		if level := state.String(src, "risk_level", ""); level != "" {
			a.Labels["risk_level"] = level
			break
		}
	}
}

// recommendationMetrics averages the confidence of each recommendation.
func recommendationMetrics(in *Input, a *Analysis) {
	recs := state.Records(in.Result, "recommendations")
	if len(recs) == 0 {
		recs = state.Records(in.State, "recommendations")
	}
	strategies := map[string]bool{}
	var sum float64
	for _, r := range recs {
		acc := state.FromMap(r)
		sum += confidence.Clamp01(state.Float(acc, "confidence", 0))
		if s := state.String(acc, "strategy", ""); s != "" {
			strategies[s] = true
		}
	}
	a.Metrics["recommendations"] = float64(len(recs))
	a.Metrics["mean_confidence"] = confidence.Ratio(sum, float64(len(recs)))
	a.Metrics["distinct_strategies"] = float64(len(strategies))
	if len(strategies) > 0 {
		names := make([]string, 0, len(strategies))
		for s := range strategies {
			names = append(names, s)
		}
		sort.Strings(names)
		a.Labels["strategies"] = strings.Join(names, ",")
	}
}
