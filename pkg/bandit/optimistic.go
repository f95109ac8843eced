package bandit

import "math"

// OptimisticValue is the initial estimate given to every arm by
// OptimisticInitialValues and UCB1.
const OptimisticValue = 150

// OptimisticInitialValues is pure greedy selection whose estimates start at
// OptimisticValue with one phantom pull, so poor arms are abandoned only
// after their estimates fall below the others.
type OptimisticInitialValues struct {
	estimates
	Alpha Alpha
}

// NewOptimisticInitialValues returns an optimistic greedy policy.
func NewOptimisticInitialValues(alpha Alpha) (*OptimisticInitialValues, error) {
	if err := alpha.validate(); err != nil {
		return nil, err
	}
	return &OptimisticInitialValues{Alpha: alpha}, nil
}

func (p *OptimisticInitialValues) Name() string { return "OptimisticInitialValues" }

func (p *OptimisticInitialValues) Initialize(nArms int, _ Source) {
	p.reset(nArms, 1, OptimisticValue)
}

func (p *OptimisticInitialValues) Pick() int {
	p.mustReady()
	return argmax(p.values)
}

func (p *OptimisticInitialValues) Update(arm int, reward float64) {
	p.observe(arm, reward, p.Alpha)
}

// UCB1 adds an upper-confidence exploration bonus to the optimistic estimates.
type UCB1 struct {
	OptimisticInitialValues
	total int
}

// NewUCB1 returns a UCB1 policy.
func NewUCB1(alpha Alpha) (*UCB1, error) {
	if err := alpha.validate(); err != nil {
		return nil, err
	}
	return &UCB1{OptimisticInitialValues: OptimisticInitialValues{Alpha: alpha}}, nil
}

func (p *UCB1) Name() string { return "UCB1" }

func (p *UCB1) Initialize(nArms int, src Source) {
	p.OptimisticInitialValues.Initialize(nArms, src)
	p.total = 0
}

func (p *UCB1) Pick() int {
	p.mustReady()
	bounds := make([]float64, len(p.values))
	for i, v := range p.values {
		bounds[i] = v + UCBBonus(p.total, p.counts[i])
	}
	return argmax(bounds)
}

func (p *UCB1) Update(arm int, reward float64) {
	p.OptimisticInitialValues.Update(arm, reward)
	p.total++
}

// Total is the number of updates in the current trial.
func (p *UCB1) Total() int { return p.total }

// UCBBonus is the exploration bonus sqrt(2*ln(total+1) / (count+0.1)).
// The offsets keep it finite when total or count is zero.
func UCBBonus(total, count int) float64 {
	return math.Sqrt(2 * math.Log(float64(total)+1) / (float64(count) + 0.1))
}
