package decision

import (
	"fmt"
	"strings"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/models"
)

func assessmentTable() Table {
	return Table{
		"readiness_assessment":      StrategyFunc(decideReadiness),
		"complexity_analysis":       StrategyFunc(decideComplexity),
		"dependency_analysis":       StrategyFunc(decideDependencies),
		"tech_debt_assessment":      StrategyFunc(decideTechDebt),
		"risk_assessment":           StrategyFunc(decideRisk),
		"recommendation_generation": StrategyFunc(decideRecommendations),
	}
}

func decideReadiness(in *Input) models.Decision {
	t := in.Tuning().Assessment
	m := in.Analysis.Metrics
	apps := int(m.Get("applications"))
	readiness := m.Get("readiness_score")

	if apps == 0 {
		return in.stay(models.ActionPause, score(map[string]float64{"selection_missing": 1.0}, t.Weights),
			"no applications selected for assessment",
			map[string]any{"user_action": "select_applications"})
	}
	if readiness < t.MinReadiness {
		conf := score(map[string]float64{
			"readiness": confidence.Ratio(t.MinReadiness-readiness, t.MinReadiness),
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("readiness score %.2f is below %.2f", readiness, t.MinReadiness),
			map[string]any{
				"readiness_score": readiness,
				"applications":    apps,
				"user_action":     "address_readiness_gaps",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"readiness": readiness}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("%d applications ready (score %.2f); proceeding to %s", apps, readiness, next),
		map[string]any{"applications": apps})
}

func decideComplexity(in *Input) models.Decision {
	t := in.Tuning().Assessment
	cs := in.Analysis.Metrics.Get("complexity_score")
	next := in.Next()
	meta := map[string]any{"complexity_score": cs}
	if cs > t.HighComplexity {
		meta["high_complexity"] = true
	}
	conf := score(map[string]float64{"analysis_complete": 1.0}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("complexity score %.2f recorded; proceeding to %s", cs, next),
		meta)
}

func decideDependencies(in *Input) models.Decision {
	t := in.Tuning().Assessment
	m := in.Analysis.Metrics
	deps := int(m.Get("dependencies"))
	cycles := int(m.Get("circular_dependencies"))

	if cycles > 0 {
		total := deps
		if total < cycles {
			total = cycles
		}
		conf := score(map[string]float64{
			"cycle_share": confidence.Ratio(float64(cycles), float64(total)),
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("%d circular dependencies must be resolved before planning waves", cycles),
			map[string]any{
				"circular_dependencies": cycles,
				"user_action":           "resolve_dependency_cycles",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"dependency_clarity": 1.0}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("%d dependencies mapped with no cycles; proceeding to %s", deps, next),
		map[string]any{"dependencies": deps})
}

func decideTechDebt(in *Input) models.Decision {
	t := in.Tuning().Assessment
	m := in.Analysis.Metrics
	next := in.Next()
	conf := score(map[string]float64{"debt_coverage": m.Get("coverage")}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("tech debt assessed (%d items); proceeding to %s", int(m.Get("tech_debt_items")), next),
		map[string]any{"tech_debt_score": m.Get("tech_debt_score")})
}

// decideRisk asks for sign-off on anything the assessment rates as high
// risk, or whose score clears the risk-adjusted threshold.
func decideRisk(in *Input) models.Decision {
	t := in.Tuning().Assessment
	rs := in.Analysis.Metrics.Get("risk_score")
	level := strings.ToLower(in.Analysis.Labels["risk_level"])
	threshold := in.Threshold(t.RiskBase)

	if level == "high" || level == "critical" || rs > threshold {
		conf := score(map[string]float64{"risk_exposure": rs, "risk_clarity": 1.0}, t.Weights)
		reason := fmt.Sprintf("risk score %.2f exceeds %.2f; approval required", rs, threshold)
		if level == "high" || level == "critical" {
			reason = fmt.Sprintf("risk level %s; approval required", level)
		}
		return in.stay(models.ActionPause, conf, reason,
			map[string]any{
				"risk_score":  rs,
				"risk_level":  level,
				"threshold":   threshold,
				"user_action": "approve_risks",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"risk_exposure": 1 - rs, "risk_clarity": 1.0}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("risk score %.2f is acceptable; proceeding to %s", rs, next),
		map[string]any{"risk_score": rs})
}

func decideRecommendations(in *Input) models.Decision {
	t := in.Tuning().Assessment
	m := in.Analysis.Metrics
	mean := m.Get("mean_confidence")
	count := int(m.Get("recommendations"))
	threshold := in.Threshold(t.RecommendationBase)
	meta := map[string]any{
		"recommendations": count,
		"mean_confidence": mean,
		"threshold":       threshold,
	}
	if s := in.Analysis.Labels["strategies"]; s != "" {
		meta["strategies"] = strings.Split(s, ",")
	}
	spread := confidence.Ratio(m.Get("distinct_strategies"), float64(count))

	if mean < threshold {
		meta["user_action"] = "review_recommendations"
		conf := score(map[string]float64{
			"strategy_confidence":   1 - mean,
			"recommendation_spread": spread,
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("mean recommendation confidence %.2f is below %.2f", mean, threshold),
			meta)
	}

	next := in.Next()
	conf := score(map[string]float64{"strategy_confidence": mean}, t.Weights)
	reasoning := fmt.Sprintf("recommendations accepted; proceeding to %s", next)
	if next.IsTerminal() {
		reasoning = "recommendations accepted; assessment flow finished"
	}
	return in.decide(models.ActionProceed, next, conf, reasoning, meta)
}
