package decision

import (
	"fmt"

	"github.com/mpataki/phasegate/internal/confidence"
	"github.com/mpataki/phasegate/internal/models"
)

func discoveryTable() Table {
	return Table{
		"data_import":     StrategyFunc(decideDataImport),
		"field_mapping":   StrategyFunc(decideFieldMapping),
		"data_cleansing":  StrategyFunc(decideDataCleansing),
		"asset_creation":  StrategyFunc(decideAssetCreation),
		"asset_inventory": StrategyFunc(decideAssetInventory),
	}
}

func decideDataImport(in *Input) models.Decision {
	t := in.Tuning().Discovery
	a := in.Analysis
	success := a.Metrics.Get("success_rate")

	if a.DataQuality < t.MinImportQuality {
		conf := score(map[string]float64{
			"quality_shortfall": confidence.Ratio(t.MinImportQuality-a.DataQuality, t.MinImportQuality),
			"import_failure":    1 - success,
			"incompleteness":    1 - a.Completeness,
		}, t.Weights)
		return in.decide(models.ActionFail, models.Terminal, conf,
			fmt.Sprintf("imported data quality %.2f is below the minimum %.2f", a.DataQuality, t.MinImportQuality),
			map[string]any{
				"min_quality": t.MinImportQuality,
				"user_action": "fix_source_data",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{
		"quality_adequate": a.DataQuality,
		"import_success":   success,
		"necessity":        1.0,
	}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("data quality %.2f is acceptable; proceeding to %s", a.DataQuality, next),
		nil)
}

func decideDataCleansing(in *Input) models.Decision {
	t := in.Tuning().Discovery
	m := in.Analysis.Metrics
	rate := m.Get("failure_rate")

	if rate > t.MaxCleansingFailure {
		atRisk := confidence.Ratio(m.Get("records_failed"), m.Get("records_cleaned")+m.Get("records_failed"))
		conf := score(map[string]float64{
			"failure_severity": confidence.Clamp01(rate / (2 * t.MaxCleansingFailure)),
			"records_at_risk":  atRisk,
		}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("cleansing failure rate %.2f exceeds %.2f", rate, t.MaxCleansingFailure),
			map[string]any{
				"failure_rate":   rate,
				"records_failed": int(m.Get("records_failed")),
				"max_failure":    t.MaxCleansingFailure,
				"user_action":    "review_cleansing_failures",
			})
	}

	next := in.Next()
	conf := score(map[string]float64{"success_rate": 1 - rate}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("cleansing failure rate %.2f is acceptable; proceeding to %s", rate, next),
		nil)
}

// decideAssetCreation retries a lossy asset write before asking for help.
func decideAssetCreation(in *Input) models.Decision {
	t := in.Tuning().Discovery
	m := in.Analysis.Metrics
	rate := m.Get("failure_rate")

	if rate > t.MaxCreationFailure {
		meta := map[string]any{
			"failure_rate":  rate,
			"assets_failed": int(m.Get("assets_failed")),
			"retries":       in.Retries(),
			"max_retries":   in.Tuning().MaxRetries,
		}
		if in.RetriesLeft() {
			conf := score(map[string]float64{
				"creation_failure": rate,
				"recoverability":   1 - confidence.Ratio(float64(in.Retries()), float64(in.Tuning().MaxRetries)),
			}, t.Weights)
			return in.stay(models.ActionRetry, conf,
				fmt.Sprintf("asset creation failure rate %.2f exceeds %.2f; retrying (attempt %d of %d)",
					rate, t.MaxCreationFailure, in.Retries()+1, in.Tuning().MaxRetries),
				meta)
		}
		meta["user_action"] = "review_asset_failures"
		conf := score(map[string]float64{"creation_failure": rate}, t.Weights)
		return in.stay(models.ActionPause, conf,
			fmt.Sprintf("asset creation failure rate %.2f exceeds %.2f after %d retries", rate, t.MaxCreationFailure, in.Retries()),
			meta)
	}

	next := in.Next()
	conf := score(map[string]float64{"creation_success": 1 - rate}, t.Weights)
	return in.decide(models.ActionProceed, next, conf,
		fmt.Sprintf("created %d assets; proceeding to %s", int(m.Get("assets_created")), next),
		nil)
}

func decideAssetInventory(in *Input) models.Decision {
	t := in.Tuning().Discovery
	next := in.Next()
	conf := score(map[string]float64{"phase_complete": 1.0}, t.Weights)
	reasoning := fmt.Sprintf("asset inventory complete; proceeding to %s", next)
	if next.IsTerminal() {
		reasoning = "asset inventory complete; discovery flow finished"
	}
	return in.decide(models.ActionProceed, next, conf, reasoning,
		map[string]any{"assets_created": int(in.Analysis.Metrics.Get("assets_created"))})
}
