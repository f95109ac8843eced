package arena

import (
	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/pkg/bandit"
)

// Model conversion helpers

func resultsToModel(experimentID string, results []*bandit.Result) []model.ExperimentResult {
	out := make([]model.ExperimentResult, 0, len(results))
	for i, r := range results {
		out = append(out, model.ExperimentResult{
			ExperimentID:                experimentID,
			Position:                    i,
			Policy:                      r.Policy,
			Trials:                      r.Trials,
			Horizon:                     r.Horizon,
			OptimalArm:                  r.OptimalArm,
			OptimalArmProbability:       r.OptimalArmProbability,
			OptimalArmProbabilityStdDev: r.OptimalArmProbabilityStdDev,
			AverageTotalReward:          r.AverageTotalReward,
			TotalRewardStdDev:           r.TotalRewardStdDev,
			PullShare:                   r.PullShare,
			FinalValues:                 r.FinalValues,
		})
	}
	return out
}

// ResultsFromModel rebuilds simulator results from stored rows.
func ResultsFromModel(rows []model.ExperimentResult) []*bandit.Result {
	out := make([]*bandit.Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, &bandit.Result{
			Policy:                      r.Policy,
			Trials:                      r.Trials,
			Horizon:                     r.Horizon,
			OptimalArm:                  r.OptimalArm,
			OptimalArmProbability:       r.OptimalArmProbability,
			OptimalArmProbabilityStdDev: r.OptimalArmProbabilityStdDev,
			AverageTotalReward:          r.AverageTotalReward,
			TotalRewardStdDev:           r.TotalRewardStdDev,
			PullShare:                   r.PullShare,
			FinalValues:                 r.FinalValues,
		})
	}
	return out
}
