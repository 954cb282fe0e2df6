package decision

import (
	"fmt"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/models"
)

func collectionTable() Table {
	return Table{
		"platform_detection":       StrategyFunc(decidePlatformDetection),
		"automated_collection":     StrategyFunc(decideAutomatedCollection),
		"gap_analysis":             StrategyFunc(decideGapAnalysis),
		"questionnaire_generation": StrategyFunc(decideQuestionnaireGeneration),
		"manual_collection":        StrategyFunc(decideManualCollection),
		"synthesis":                StrategyFunc(decideSynthesis),
	}
}

// decidePlatformDetection skips automated collection when there is nothing
// an adapter could talk to.
func decidePlatformDetection(in *Input) models.Decision {
	t := in.Tuning().Collection
	m := in.Analysis.Metrics
	platforms := int(m.Get("platforms_detected"))
	detection := m.Get("detection_confidence")

	if platforms == 0 {
		target := in.After(in.Next())
		conf := score(map[string]float64{"manual_path": 1.0}, t.Weights)
		return in.decide(models.ActionSkip, target, conf,
			fmt.Sprintf("no platforms detected; skipping automated collection and continuing with %s", target),
			map[string]any{"skipped_phase": string(in.Next())})
	}

	threshold := in.Threshold(t.DetectionBase)
	if detection < threshold {
		conf := score(map[string]float64{"detection_confidence": 1 - detection}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("platform detection confidence %.2f is below %.2f", detection, threshold),
			map[string]any{
				"threshold":          threshold,
				"platforms_detected": platforms,
				"user_action":        "confirm_platforms",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"detection_confidence": detection}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("detected %d platforms; proceeding to %s", platforms, next),
		map[string]any{"platforms_detected": platforms})
}

func decideAutomatedCollection(in *Input) models.Decision {
	t := in.Tuning().Collection
	a := in.Analysis
	coverage := a.Metrics.Get("coverage")
	failed := int(a.Metrics.Get("failed_adapters"))

	if failed > 0 && in.RetriesLeft() {
		conf := score(map[string]float64{
			"adapter_failure": 1 - coverage,
		}, t.Weights)
		return in.stay(models.ActionRetry, conf,
			fmt.Sprintf("%d collection adapters failed; retrying (attempt %d of %d)", failed, in.Retries()+1, in.Tuning().MaxRetries),
			map[string]any{
				"failed_adapters": failed,
				"retries":         in.Retries(),
			})
	}

	next := in.Next()
	meta := map[string]any{"coverage": coverage}
	if coverage < t.MinCoverage {
		meta["low_coverage"] = true
	}
	if failed > 0 {
		meta["failed_adapters"] = failed
	}
	conf := score(map[string]float64{
		"coverage":     coverage,
		"data_quality": a.DataQuality,
	}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("automated collection covered %.0f%% of expected data; proceeding to %s", coverage*100, next),
		meta)
}

func decideGapAnalysis(in *Input) models.Decision {
	t := in.Tuning().Collection
	m := in.Analysis.Metrics
	gaps := int(m.Get("gaps"))

	if gaps == 0 && m.Get("gaps_reported") > 0 {
		target := models.Phase("synthesis")
		if !in.engine.registry.Contains(target, in.FlowType) {
			target = in.Next()
		}
		conf := score(map[string]float64{"gap_certainty": 1.0, "analysis_complete": in.Analysis.Completeness}, t.Weights)
		return in.decide(models.ActionSkip, target, conf,
			fmt.Sprintf("no data gaps found; skipping to %s", target),
			map[string]any{"gaps": 0})
	}

	next := in.Next()
	conf := score(map[string]float64{
		"gap_certainty":     1.0,
		"analysis_complete": in.Analysis.Completeness,
	}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("%d data gaps found (%d critical); proceeding to %s", gaps, int(m.Get("critical_gaps")), next),
		map[string]any{
			"gaps":          gaps,
			"critical_gaps": int(m.Get("critical_gaps")),
		})
}

func decideQuestionnaireGeneration(in *Input) models.Decision {
	t := in.Tuning().Collection
	m := in.Analysis.Metrics
	generated := int(m.Get("questionnaires"))
	gaps := int(m.Get("gaps"))

	if generated == 0 && gaps > 0 {
		meta := map[string]any{"gaps": gaps, "retries": in.Retries()}
		if in.RetriesLeft() {
			return in.stay(models.ActionRetry, score(map[string]float64{"generation_success": 0.5}, t.Weights),
				fmt.Sprintf("no questionnaires generated for %d gaps; retrying", gaps),
				meta)
		}
		meta["user_action"] = "author_questionnaires"
		return in.stay(models.ActionPause, score(map[string]float64{"generation_success": 1.0}, t.Weights),
			fmt.Sprintf("no questionnaires generated for %d gaps after %d retries", gaps, in.Retries()),
			meta)
	}

	next := in.Next()
	return in.decide(models.ActionProceed, next, score(map[string]float64{"generation_success": 1.0}, t.Weights),
		fmt.Sprintf("generated %d questionnaires; proceeding to %s", generated, next),
		map[string]any{"questionnaires": generated})
}

func decideManualCollection(in *Input) models.Decision {
	t := in.Tuning().Collection
	m := in.Analysis.Metrics
	rate := m.Get("response_rate")

	if rate < t.MinResponseRate {
		pending := int(m.Get("questions_total") - m.Get("responses_received"))
		if pending < 0 {
			pending = 0
		}
		conf := score(map[string]float64{
			"response_rate": confidence.Ratio(t.MinResponseRate-rate, t.MinResponseRate),
			"pending_share": confidence.Ratio(float64(pending), m.Get("questions_total")),
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("response rate %.2f is below %.2f; waiting for responses", rate, t.MinResponseRate),
			map[string]any{
				"pending_responses": pending,
				"response_rate":     rate,
				"user_action":       "complete_questionnaires",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"response_rate": rate}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("response rate %.2f is sufficient; proceeding to %s", rate, next),
		nil)
}

func decideSynthesis(in *Input) models.Decision {
	t := in.Tuning().Collection
	m := in.Analysis.Metrics
	unresolved := int(m.Get("unresolved_conflicts"))
	completeness := m.Get("completeness_score")

	if unresolved > 0 {
		total := m.Get("conflicts")
		if total < float64(unresolved) {
			total = float64(unresolved)
		}
		conf := score(map[string]float64{
			"conflict_share": confidence.Ratio(float64(unresolved), total),
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("%d data conflicts need resolution", unresolved),
			map[string]any{
				"unresolved_conflicts": unresolved,
				"user_action":          "resolve_conflicts",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"synthesis_complete": completeness}, t.Weights)
	reasoning := fmt.Sprintf("synthesis complete; proceeding to %s", next)
	if next.IsTerminal() {
		reasoning = "synthesis complete; collection flow finished"
	}
	return in.decide(models.ActionProceed, next, conf, reasoning,
		map[string]any{"completeness_score": completeness})
}
