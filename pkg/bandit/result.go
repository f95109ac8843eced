package bandit

import "gonum.org/v1/gonum/stat"

// Result aggregates one policy's performance across independent trials.
type Result struct {
	Policy                      string    `json:"policy"`
	Trials                      int       `json:"trials"`
	Horizon                     int       `json:"horizon"`
	OptimalArm                  int       `json:"optimal_arm"`
	OptimalArmProbability       float64   `json:"optimal_arm_probability"`
	OptimalArmProbabilityStdDev float64   `json:"optimal_arm_probability_std_dev"`
	AverageTotalReward          float64   `json:"average_total_reward"`
	TotalRewardStdDev           float64   `json:"total_reward_std_dev"`
	PullShare                   []float64 `json:"pull_share"`
	FinalValues                 []float64 `json:"final_values"`
}

func newResult(p Policy, optimal, trials, horizon int, probs, totals, pullShare []float64) *Result {
	r := &Result{
		Policy:      p.Name(),
		Trials:      trials,
		Horizon:     horizon,
		OptimalArm:  optimal,
		PullShare:   pullShare,
		FinalValues: p.Values(),
	}
	r.OptimalArmProbability, r.OptimalArmProbabilityStdDev = meanStdDev(probs)
	r.AverageTotalReward, r.TotalRewardStdDev = meanStdDev(totals)
	return r
}

// meanStdDev is stat.MeanStdDev with a zero deviation for a single sample.
func meanStdDev(xs []float64) (mean, std float64) {
	if len(xs) < 2 {
		return stat.Mean(xs, nil), 0
	}
	return stat.MeanStdDev(xs, nil)
}
