package decision

import "github.com/mpataki/phasegate/internal/confidence"

// Weights maps a confidence factor name to its weight. Factors a table
// computes but does not list here weigh 1.0.
type Weights map[string]float64

// Tuning collects every threshold and weight the decision tables use.
// Zero values are not meaningful; start from DefaultTuning and override.
type Tuning struct {
	Adjustments       confidence.Adjustments `mapstructure:"adjustments"`
	ErrorConfidence   float64                `mapstructure:"error_confidence"`
	DefaultConfidence float64                `mapstructure:"default_confidence"`
	MaxRetries        int                    `mapstructure:"max_retries"`

	Discovery  DiscoveryTuning  `mapstructure:"discovery"`
	Mapping    MappingTuning    `mapstructure:"mapping"`
	Collection CollectionTuning `mapstructure:"collection"`
	Assessment AssessmentTuning `mapstructure:"assessment"`
}

type DiscoveryTuning struct {
	MinImportQuality    float64 `mapstructure:"min_import_quality"`
	MaxCleansingFailure float64 `mapstructure:"max_cleansing_failure"`
	MaxCreationFailure  float64 `mapstructure:"max_creation_failure"`
	Weights             Weights `mapstructure:"weights"`
}

type MappingTuning struct {
	// BaseThreshold feeds CalculateThreshold for the reported mapping
	// confidence.
	BaseThreshold float64 `mapstructure:"base_threshold"`

	ApprovalBase           float64 `mapstructure:"approval_base"`
	CriticalCoverageWeight float64 `mapstructure:"critical_coverage_weight"`
	PerAmbiguous           float64 `mapstructure:"per_ambiguous"`
	MaxAmbiguousPenalty    float64 `mapstructure:"max_ambiguous_penalty"`
	ApprovalCeiling        float64 `mapstructure:"approval_ceiling"`

	ExactScore     float64 `mapstructure:"exact_score"`
	SynonymScore   float64 `mapstructure:"synonym_score"`
	OverlapScore   float64 `mapstructure:"overlap_score"`
	FallbackScore  float64 `mapstructure:"fallback_score"`
	OverlapMinimum float64 `mapstructure:"overlap_minimum"`
	ConfidentAbove float64 `mapstructure:"confident_above"`
	AmbiguousBelow float64 `mapstructure:"ambiguous_below"`

	SampleSize           int     `mapstructure:"sample_size"`
	UniquenessCritical   float64 `mapstructure:"uniqueness_critical"`
	CompletenessCritical float64 `mapstructure:"completeness_critical"`

	Weights Weights `mapstructure:"weights"`
}

type CollectionTuning struct {
	DetectionBase   float64 `mapstructure:"detection_base"`
	MinCoverage     float64 `mapstructure:"min_coverage"`
	MinResponseRate float64 `mapstructure:"min_response_rate"`
	Weights         Weights `mapstructure:"weights"`
}

type AssessmentTuning struct {
	MinReadiness       float64 `mapstructure:"min_readiness"`
	HighComplexity     float64 `mapstructure:"high_complexity"`
	RiskBase           float64 `mapstructure:"risk_base"`
	RecommendationBase float64 `mapstructure:"recommendation_base"`
	Weights            Weights `mapstructure:"weights"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Adjustments:       confidence.DefaultAdjustments(),
		ErrorConfidence:   0.95,
		DefaultConfidence: 0.8,
		MaxRetries:        2,
		Discovery: DiscoveryTuning{
			MinImportQuality:    0.3,
			MaxCleansingFailure: 0.1,
			MaxCreationFailure:  0.1,
			Weights: Weights{
				"quality_shortfall": 2,
				"import_failure":    1,
				"incompleteness":    1,
				"quality_adequate":  2,
				"import_success":    2,
				"necessity":         1,
				"failure_severity":  2,
				"records_at_risk":   1,
				"success_rate":      1,
				"phase_complete":    1,
				"creation_failure":  2,
				"recoverability":    1,
				"creation_success":  2,
			},
		},
		Mapping: MappingTuning{
			BaseThreshold:          0.7,
			ApprovalBase:           0.75,
			CriticalCoverageWeight: 0.15,
			PerAmbiguous:           0.02,
			MaxAmbiguousPenalty:    0.1,
			ApprovalCeiling:        0.95,
			ExactScore:             1.0,
			SynonymScore:           0.9,
			OverlapScore:           0.7,
			FallbackScore:          0.5,
			OverlapMinimum:         0.5,
			ConfidentAbove:         0.8,
			AmbiguousBelow:         0.5,
			SampleSize:             100,
			UniquenessCritical:     0.95,
			CompletenessCritical:   0.98,
			Weights: Weights{
				"missing_ratio":   2,
				"business_impact": 1,
				"gap_severity":    2,
				"error_risk":      1,
				"mapping_quality": 2,
				"coverage":        1,
			},
		},
		Collection: CollectionTuning{
			DetectionBase:   0.6,
			MinCoverage:     0.5,
			MinResponseRate: 0.8,
			Weights: Weights{
				"detection_confidence": 2,
				"manual_path":          1,
				"coverage":             2,
				"data_quality":         1,
				"adapter_failure":      2,
				"analysis_complete":    1,
				"gap_certainty":        1,
				"generation_success":   1,
				"response_rate":        2,
				"pending_share":        1,
				"synthesis_complete":   2,
				"conflict_share":       1,
			},
		},
		Assessment: AssessmentTuning{
			MinReadiness:       0.5,
			HighComplexity:     0.8,
			RiskBase:           0.7,
			RecommendationBase: 0.7,
			Weights: Weights{
				"readiness":             2,
				"selection_missing":     1,
				"analysis_complete":     1,
				"dependency_clarity":    2,
				"cycle_share":           2,
				"debt_coverage":         1,
				"risk_exposure":         2,
				"risk_clarity":          1,
				"strategy_confidence":   2,
				"recommendation_spread": 1,
			},
		},
	}
}
