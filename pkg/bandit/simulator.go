package bandit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// Defaults used by Compare callers that do not pick their own run size.
const (
	DefaultTrials  = 100
	DefaultHorizon = 2000
)

var (
	ErrNoArms      = errors.New("simulator needs at least one arm")
	ErrInvalidRun  = errors.New("trials and horizon must be positive")
	ErrInvalidPick = errors.New("policy picked a nonexistent arm")
)

// TrialSummary describes one finished trial.
type TrialSummary struct {
	Policy                string  `json:"policy"`
	Trial                 int     `json:"trial"`
	Trials                int     `json:"trials"`
	OptimalArmProbability float64 `json:"optimal_arm_probability"`
	TotalReward           float64 `json:"total_reward"`
}

// Simulator runs policies against a fixed set of arms.
type Simulator struct {
	arms    []*Arm
	optimal int
	seed    uint64
	onTrial func(TrialSummary)
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSeed fixes the base seed so runs are reproducible. Zero picks a fresh
// random base seed on every Simulate call.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) { s.seed = seed }
}

// WithTrialHook registers fn to be called after every trial.
func WithTrialHook(fn func(TrialSummary)) Option {
	return func(s *Simulator) { s.onTrial = fn }
}

// NewSimulator creates a simulator over arms. The optimal arm is the first
// one with the highest expected value.
func NewSimulator(arms []*Arm, opts ...Option) (*Simulator, error) {
	if len(arms) == 0 {
		return nil, ErrNoArms
	}
	evs := make([]float64, len(arms))
	for i, a := range arms {
		if a == nil {
			return nil, fmt.Errorf("%w: arm %d is nil", ErrInvalidArm, i)
		}
		evs[i] = a.ExpectedValue
	}
	s := &Simulator{arms: arms, optimal: argmax(evs)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Arms returns the simulator's arms in order.
func (s *Simulator) Arms() []*Arm { return s.arms }

// Optimal is the index of the arm with the highest expected value.
func (s *Simulator) Optimal() int { return s.optimal }

// Simulate runs trials independent trials of horizon rounds each. Every trial
// re-initializes the policy and gets its own random stream.
func (s *Simulator) Simulate(ctx context.Context, p Policy, trials, horizon int) (*Result, error) {
	if trials <= 0 || horizon <= 0 {
		return nil, fmt.Errorf("%w: trials=%d horizon=%d", ErrInvalidRun, trials, horizon)
	}
	seed := s.seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	n := len(s.arms)
	row := make([]float64, horizon)
	probs := make([]float64, trials)
	totals := make([]float64, trials)
	// pulls is a trials x arms count matrix, reduced over trials at the end.
	pulls := make([]float64, trials*n)

	for t := 0; t < trials; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := NewTrialRand(seed, t)
		p.Initialize(n, src)

		hits := 0
		trialPulls := pulls[t*n : (t+1)*n]
		for i := range row {
			idx := p.Pick()
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("%w: %s chose %d of %d (trial %d, round %d)", ErrInvalidPick, p.Name(), idx, n, t, i)
			}
			if idx == s.optimal {
				hits++
			}
			reward := s.arms[idx].Draw(src)
			row[i] = reward
			p.Update(idx, reward)
			trialPulls[idx]++
		}
		probs[t] = float64(hits) / float64(horizon)
		totals[t] = floats.Sum(row)

		if s.onTrial != nil {
			s.onTrial(TrialSummary{
				Policy:                p.Name(),
				Trial:                 t,
				Trials:                trials,
				OptimalArmProbability: probs[t],
				TotalReward:           totals[t],
			})
		}
	}

	share, err := pullShare(pulls, trials, n)
	if err != nil {
		return nil, err
	}
	floats.Scale(1/float64(trials*horizon), share)

	return newResult(p, s.optimal, trials, horizon, probs, totals, share), nil
}

// Compare simulates each policy under the same arms and run size.
func (s *Simulator) Compare(ctx context.Context, trials, horizon int, policies ...Policy) ([]*Result, error) {
	results := make([]*Result, 0, len(policies))
	for _, p := range policies {
		r, err := s.Simulate(ctx, p, trials, horizon)
		if err != nil {
			return nil, fmt.Errorf("simulate %s: %w", p.Name(), err)
		}
		results = append(results, r)
	}
	return results, nil
}

// pullShare reduces the trials x arms pull matrix over the trial axis.
func pullShare(pulls []float64, trials, arms int) ([]float64, error) {
	m := tensor.New(tensor.WithShape(trials, arms), tensor.WithBacking(pulls))
	sums, err := m.Sum(0)
	if err != nil {
		return nil, fmt.Errorf("sum pulls: %w", err)
	}
	switch v := sums.Data().(type) {
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	case float64:
		return []float64{v}, nil
	}
	return nil, fmt.Errorf("sum pulls: unexpected %T", sums.Data())
}
