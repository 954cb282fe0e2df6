package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/models"
	"github.com/mpataki/phasegate/internal/state"
)

// synonymGroups are field names that commonly mean the same thing across
// CMDB exports.
var synonymGroups = [][]string{
	{"hostname", "host_name", "host", "server_name", "servername"},
	{"ip_address", "ip", "ipaddress", "ip_addr", "primary_ip"},
	{"os", "operating_system", "os_name", "os_type"},
	{"cpu", "cpu_cores", "cores", "vcpu", "cpu_count"},
	{"memory", "ram", "memory_gb", "ram_gb", "memory_size"},
	{"owner", "application_owner", "business_owner", "app_owner"},
	{"environment", "env", "environment_type"},
	{"application", "app", "app_name", "application_name"},
	{"department", "dept", "business_unit"},
	{"location", "datacenter", "data_center", "site"},
	{"asset_id", "id", "asset_tag", "ci_id"},
}

var synonymIndex = func() map[string]int {
	idx := map[string]int{}
	for i, g := range synonymGroups {
		for _, name := range g {
			idx[name] = i
		}
	}
	return idx
}()

// businessCriticalKeywords mark fields whose completeness alone makes them
// critical for migration.
var businessCriticalKeywords = []string{
	"owner", "department", "application", "environment",
	"criticality", "priority", "cost", "location",
}

// MappingPair is one scored source→target mapping.
type MappingPair struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Score  float64 `json:"score"`
}

type MappingAnalysis struct {
	Confidence        float64       `json:"confidence"`
	TotalFields       int           `json:"total_fields"`
	AmbiguousMappings []MappingPair `json:"ambiguous_mappings"`
	MappedFields      []string      `json:"mapped_fields"`
	Pairs             []MappingPair `json:"pairs"`
}

// AnalyzeFieldMappings scores every field_mappings pair with the default
// tuning.
func AnalyzeFieldMappings(acc state.Accessor) MappingAnalysis {
	return analyzeFieldMappings(acc, DefaultTuning().Mapping)
}

func analyzeFieldMappings(acc state.Accessor, t MappingTuning) MappingAnalysis {
	mappings := state.StringMap(acc, state.KeyFieldMappings)
	sources := make([]string, 0, len(mappings))
	for src := range mappings {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	ma := MappingAnalysis{
		TotalFields:       len(sources),
		AmbiguousMappings: []MappingPair{},
		MappedFields:      []string{},
		Pairs:             make([]MappingPair, 0, len(sources)),
	}
	var confident int
	for _, src := range sources {
		target := mappings[src]
		pair := MappingPair{Source: src, Target: target, Score: scoreMapping(src, target, t)}
		ma.Pairs = append(ma.Pairs, pair)
		if strings.TrimSpace(target) != "" {
			ma.MappedFields = append(ma.MappedFields, src)
		}
		if pair.Score > t.ConfidentAbove {
			confident++
		}
		if pair.Score < t.AmbiguousBelow {
			ma.AmbiguousMappings = append(ma.AmbiguousMappings, pair)
		}
	}
	ma.Confidence = confidence.Ratio(float64(confident), float64(ma.TotalFields))
	return ma
}

// scoreMapping is a lexical heuristic: exact match, known synonym, token
// overlap, or the fallback score. A blank target is unmapped and scores 0.
func scoreMapping(source, target string, t MappingTuning) float64 {
	s := normalizeField(source)
	g := normalizeField(target)
	switch {
	case g == "":
		return 0
	case s == g:
		return t.ExactScore
	case areSynonyms(s, g):
		return t.SynonymScore
	case tokenOverlap(s, g) > t.OverlapMinimum:
		return t.OverlapScore
	}
	return t.FallbackScore
}

func normalizeField(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func areSynonyms(a, b string) bool {
	ia, ok := synonymIndex[a]
	if !ok {
		return false
	}
	ib, ok := synonymIndex[b]
	return ok && ia == ib
}

// tokenOverlap is the Jaccard similarity of the two names' word tokens.
func tokenOverlap(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var shared int
	for tok := range ta {
		if tb[tok] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return confidence.Ratio(float64(shared), float64(union))
}

func tokenize(name string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.' || r == '/'
	}) {
		out[tok] = true
	}
	return out
}

// IdentifyCriticalFieldsForMigration finds fields that act as keys (nearly
// unique) or carry business context (nearly always populated and named
// like a business attribute), using the raw_data sample.
func IdentifyCriticalFieldsForMigration(acc state.Accessor) []string {
	return criticalFieldsForMigration(acc, DefaultTuning().Mapping)
}

type fieldStats struct {
	nonNull  int
	distinct map[string]struct{}
}

func criticalFieldsForMigration(acc state.Accessor, t MappingTuning) []string {
	records := state.Records(acc, state.KeyRawData)
	if t.SampleSize > 0 && len(records) > t.SampleSize {
		records = records[:t.SampleSize]
	}
	critical := []string{}
	if len(records) == 0 {
		return critical
	}

	stats := map[string]*fieldStats{}
	for _, rec := range records {
		for field, v := range rec {
			fs, ok := stats[field]
			if !ok {
				fs = &fieldStats{distinct: map[string]struct{}{}}
				stats[field] = fs
			}
			if state.IsEmpty(v) {
				continue
			}
			fs.nonNull++
			fs.distinct[fmt.Sprint(v)] = struct{}{}
		}
	}

	fields := make([]string, 0, len(stats))
	for f := range stats {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	total := float64(len(records))
	for _, f := range fields {
		fs := stats[f]
		uniqueness := confidence.Ratio(float64(len(fs.distinct)), float64(fs.nonNull))
		completeness := float64(fs.nonNull) / total
		if uniqueness > t.UniquenessCritical {
			critical = append(critical, f)
			continue
		}
		if completeness > t.CompletenessCritical && isBusinessCritical(f) {
			critical = append(critical, f)
		}
	}
	return critical
}

func isBusinessCritical(field string) bool {
	lower := strings.ToLower(field)
	for _, kw := range businessCriticalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// CalculateApprovalThreshold is the mapping confidence required before the
// field mappings are approved without review.
func CalculateApprovalThreshold(ma MappingAnalysis, criticalFields []string) float64 {
	return approvalThreshold(ma, criticalFields, DefaultTuning().Mapping)
}

func approvalThreshold(ma MappingAnalysis, criticalFields []string, t MappingTuning) float64 {
	threshold := t.ApprovalBase
	if len(criticalFields) > 0 {
		threshold += (1 - criticalCoverage(ma, criticalFields)) * t.CriticalCoverageWeight
	}
	penalty := float64(len(ma.AmbiguousMappings)) * t.PerAmbiguous
	if penalty > t.MaxAmbiguousPenalty {
		penalty = t.MaxAmbiguousPenalty
	}
	threshold += penalty
	if threshold > t.ApprovalCeiling {
		threshold = t.ApprovalCeiling
	}
	return threshold
}

func criticalCoverage(ma MappingAnalysis, criticalFields []string) float64 {
	if len(criticalFields) == 0 {
		return 1
	}
	mapped := make(map[string]bool, len(ma.MappedFields))
	for _, f := range ma.MappedFields {
		mapped[f] = true
	}
	var n int
	for _, f := range criticalFields {
		if mapped[f] {
			n++
		}
	}
	return float64(n) / float64(len(criticalFields))
}

// decideFieldMapping gates the discovery flow on mapping quality: critical
// fields must be mapped, the mapping confidence must clear the risk-adjusted
// threshold, and the statistical analysis must clear the approval threshold.
func decideFieldMapping(in *Input) models.Decision {
	t := in.Tuning().Mapping
	a := in.Analysis

	critical := state.IdentifyCriticalFields(in.State)
	mappings := state.StringMap(in.State, state.KeyFieldMappings)
	missing := []string{}
	for _, f := range critical {
		if strings.TrimSpace(mappings[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		conf := score(map[string]float64{
			"missing_ratio":   confidence.Ratio(float64(len(missing)), float64(len(critical))),
			"business_impact": 1.0,
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("%d of %d critical fields are not mapped: %s", len(missing), len(critical), strings.Join(missing, ", ")),
			map[string]any{
				"missing_fields":  missing,
				"critical_fields": critical,
				"user_action":     "map_critical_fields",
			})
	}

	ma := analyzeFieldMappings(in.State, t)
	mappingConf := ma.Confidence
	if reported, ok := a.Metrics["reported_confidence"]; ok {
		mappingConf = reported
	}
	riskThreshold := in.Threshold(t.BaseThreshold)
	if mappingConf < riskThreshold {
		conf := score(map[string]float64{
			"gap_severity": confidence.Clamp01(confidence.Ratio(riskThreshold-mappingConf, riskThreshold)),
			"error_risk":   1 - mappingConf,
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("mapping confidence %.2f is below the risk-adjusted threshold %.2f", mappingConf, riskThreshold),
			map[string]any{
				"threshold":          riskThreshold,
				"mapping_confidence": mappingConf,
				"mapping_analysis":   ma,
				"user_action":        "review_field_mappings",
			})
	}

	migrationCritical := criticalFieldsForMigration(in.State, t)
	threshold := approvalThreshold(ma, migrationCritical, t)
	meta := map[string]any{
		"threshold":        threshold,
		"risk_threshold":   riskThreshold,
		"critical_fields":  migrationCritical,
		"mapping_analysis": ma,
	}
	if ma.Confidence < threshold {
		conf := score(map[string]float64{
			"gap_severity": confidence.Clamp01(confidence.Ratio(threshold-ma.Confidence, threshold)),
			"error_risk":   1 - ma.Confidence,
		}, t.Weights)
		meta["user_action"] = "approve_field_mappings"
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("mapping analysis confidence %.2f is below the approval threshold %.2f", ma.Confidence, threshold),
			meta)
	}

	coverage := 1.0
	if fields := len(firstRecordFields(in.State)); fields > 0 {
		coverage = confidence.Clamp01(float64(len(ma.MappedFields)) / float64(fields))
	}
	next := in.Next()
	conf := score(map[string]float64{
		"mapping_quality": ma.Confidence,
		"coverage":        coverage,
	}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("mapping confidence %.2f meets threshold %.2f; proceeding to %s", ma.Confidence, threshold, next),
		meta)
}

func firstRecordFields(acc state.Accessor) []string {
	records := state.Records(acc, state.KeyRawData)
	if len(records) == 0 {
		return nil
	}
	return state.SortedKeys(records[0])
}
