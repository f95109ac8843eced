package bandit

import (
	"fmt"
	"math"
)

func validateEps(eps float64) error {
	if eps < 0 || eps > 1 || math.IsNaN(eps) {
		return fmt.Errorf("%w: eps=%v outside [0,1]", ErrInvalidPolicy, eps)
	}
	return nil
}

// EpsilonGreedy explores a uniformly random arm with probability Eps and
// otherwise exploits the best current estimate.
type EpsilonGreedy struct {
	estimates
	Eps   float64
	Alpha Alpha
	src   Source
}

// NewEpsilonGreedy returns an epsilon-greedy policy.
func NewEpsilonGreedy(eps float64, alpha Alpha) (*EpsilonGreedy, error) {
	if err := validateEps(eps); err != nil {
		return nil, err
	}
	if err := alpha.validate(); err != nil {
		return nil, err
	}
	return &EpsilonGreedy{Eps: eps, Alpha: alpha}, nil
}

func (p *EpsilonGreedy) Name() string {
	return fmt.Sprintf("EpsilonGreedy (eps=%g, alpha=%s)", p.Eps, p.Alpha)
}

func (p *EpsilonGreedy) Initialize(nArms int, src Source) {
	p.reset(nArms, 0, 0)
	p.src = src
}

func (p *EpsilonGreedy) Pick() int {
	p.mustReady()
	return pickEpsilon(p.src, p.Eps, p.values)
}

func (p *EpsilonGreedy) Update(arm int, reward float64) {
	p.observe(arm, reward, p.Alpha)
}

// pickEpsilon draws the explore coin first and the random arm only when exploring.
func pickEpsilon(src Source, eps float64, values []float64) int {
	explore := src.Float64() < eps
	if explore {
		return src.IntN(len(values))
	}
	return argmax(values)
}

// EpsilonDecay is epsilon-greedy whose eps becomes 1/t after the t-th update
// of the trial.
type EpsilonDecay struct {
	estimates
	Eps   float64
	Alpha Alpha
	eps   float64
	t     int
	src   Source
}

// NewEpsilonDecay returns an epsilon-decay policy starting at eps.
func NewEpsilonDecay(eps float64, alpha Alpha) (*EpsilonDecay, error) {
	if err := validateEps(eps); err != nil {
		return nil, err
	}
	if err := alpha.validate(); err != nil {
		return nil, err
	}
	return &EpsilonDecay{Eps: eps, Alpha: alpha}, nil
}

func (p *EpsilonDecay) Name() string { return "EpsilonDecay" }

func (p *EpsilonDecay) Initialize(nArms int, src Source) {
	p.reset(nArms, 0, 0)
	p.src = src
	p.eps = p.Eps
	p.t = 1
}

func (p *EpsilonDecay) Pick() int {
	p.mustReady()
	return pickEpsilon(p.src, p.eps, p.values)
}

func (p *EpsilonDecay) Update(arm int, reward float64) {
	p.observe(arm, reward, p.Alpha)
	p.eps = 1 / float64(p.t)
	p.t++
}

// CurrentEps is the exploration probability the next Pick will use.
func (p *EpsilonDecay) CurrentEps() float64 { return p.eps }

// AnnealingEpsilonGreedy recomputes eps = 1/ln(t+1) on every pick, t counting
// picks from 1.
type AnnealingEpsilonGreedy struct {
	estimates
	Alpha Alpha
	t     int
	src   Source
}

// NewAnnealingEpsilonGreedy returns an annealing epsilon-greedy policy.
func NewAnnealingEpsilonGreedy(alpha Alpha) (*AnnealingEpsilonGreedy, error) {
	if err := alpha.validate(); err != nil {
		return nil, err
	}
	return &AnnealingEpsilonGreedy{Alpha: alpha}, nil
}

func (p *AnnealingEpsilonGreedy) Name() string { return "AnnealingEpsilonGreedy" }

func (p *AnnealingEpsilonGreedy) Initialize(nArms int, src Source) {
	p.reset(nArms, 0, 0)
	p.src = src
	p.t = 1
}

func (p *AnnealingEpsilonGreedy) Pick() int {
	p.mustReady()
	eps := annealedEps(p.t)
	p.t++
	return pickEpsilon(p.src, eps, p.values)
}

func (p *AnnealingEpsilonGreedy) Update(arm int, reward float64) {
	p.observe(arm, reward, p.Alpha)
}

func annealedEps(t int) float64 {
	return 1 / math.Log(float64(t)+1)
}
