// Package confidence holds the scoring math shared by every decision table.
package confidence

import "math"

// Adjustments are the magnitudes CalculateThreshold adds on top of a base
// threshold.
type Adjustments struct {
	PerRiskFactor float64 `mapstructure:"per_risk_factor"`
	Quality       float64 `mapstructure:"quality"`
	Complexity    float64 `mapstructure:"complexity"`
	Ceiling       float64 `mapstructure:"ceiling"`
}

func DefaultAdjustments() Adjustments {
	return Adjustments{
		PerRiskFactor: 0.05,
		Quality:       0.1,
		Complexity:    0.05,
		Ceiling:       0.95,
	}
}

// WeightedAverage returns Σ(factor·weight)/Σ(weight) clamped to [0,1].
// Factors without a weight count with weight 1.0. An empty factor set or a
// non-positive total weight yields 0.
func WeightedAverage(factors map[string]float64, weights map[string]float64) float64 {
	if len(factors) == 0 {
		return 0
	}
	var sum, total float64
	for name, f := range factors {
		w := 1.0
		if ww, ok := weights[name]; ok {
			w = ww
		}
		if w <= 0 || math.IsNaN(w) || math.IsNaN(f) {
			continue
		}
		sum += f * w
		total += w
	}
	if total <= 0 {
		return 0
	}
	return Clamp01(sum / total)
}

// CalculateThreshold raises base by the default adjustments.
func CalculateThreshold(base float64, riskFactors []string, dataQuality, complexity float64) float64 {
	return DefaultAdjustments().Threshold(base, riskFactors, dataQuality, complexity)
}

// Threshold computes base + per-risk·len(risk) + quality·(1−dataQuality) +
// complexity·complexity, capped at Ceiling. Quality is clamped to [0,1] and
// complexity to ≥0 so the result never drops below base.
func (a Adjustments) Threshold(base float64, riskFactors []string, dataQuality, complexity float64) float64 {
	dataQuality = Clamp01(dataQuality)
	if complexity < 0 || math.IsNaN(complexity) {
		complexity = 0
	}
	t := base +
		a.PerRiskFactor*float64(len(riskFactors)) +
		a.Quality*(1-dataQuality) +
		a.Complexity*complexity
	if a.Ceiling > 0 && t > a.Ceiling {
		t = a.Ceiling
	}
	return t
}

func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Ratio returns num/den, or 0 when den is not positive.
func Ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}
