package bandit

import (
	"errors"
	"fmt"
)

// ErrInvalidArm is returned when an arm is constructed with out-of-range parameters.
var ErrInvalidArm = errors.New("invalid arm configuration")

// ArmKind identifies the reward distribution of an arm.
type ArmKind string

const (
	Bernoulli     ArmKind = "bernoulli"
	Gaussian      ArmKind = "gaussian"
	Nonstationary ArmKind = "nonstationary"
	Exponential   ArmKind = "exponential"
)

// Arm is one reward source of the bandit. Only the fields relevant to Kind
// are set. ExpectedValue is fixed at construction and decides the optimal arm.
type Arm struct {
	Kind          ArmKind
	P             float64 // Bernoulli success probability
	Payoff        float64 // Bernoulli reward on success
	Mu            float64
	Sigma         float64
	DriftRate     float64 // Nonstationary mean increment per draw
	Scale         float64 // Exponential mean
	ExpectedValue float64

	drift float64
}

// NewBernoulliArm pays r with probability p and 0 otherwise.
func NewBernoulliArm(p, r float64) (*Arm, error) {
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("%w: bernoulli p=%v outside [0,1]", ErrInvalidArm, p)
	}
	return &Arm{Kind: Bernoulli, P: p, Payoff: r, ExpectedValue: p}, nil
}

// NewGaussianArm draws from Normal(mu, sigma).
func NewGaussianArm(mu, sigma float64) (*Arm, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("%w: gaussian sigma=%v must be positive", ErrInvalidArm, sigma)
	}
	return &Arm{Kind: Gaussian, Mu: mu, Sigma: sigma, ExpectedValue: mu}, nil
}

// NewNonstationaryArm is a Gaussian arm whose mean rises by eps on every draw.
// Its expected value is the mean before any draw.
func NewNonstationaryArm(mu, sigma, eps float64) (*Arm, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("%w: nonstationary sigma=%v must be positive", ErrInvalidArm, sigma)
	}
	if eps <= 0 {
		return nil, fmt.Errorf("%w: nonstationary eps=%v must be positive", ErrInvalidArm, eps)
	}
	return &Arm{Kind: Nonstationary, Mu: mu, Sigma: sigma, DriftRate: eps, ExpectedValue: mu}, nil
}

// NewExponentialArm draws from an exponential distribution with mean scale.
func NewExponentialArm(scale float64) (*Arm, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("%w: exponential scale=%v must be positive", ErrInvalidArm, scale)
	}
	return &Arm{Kind: Exponential, Scale: scale, ExpectedValue: scale}, nil
}

// Draw samples one reward.
func (a *Arm) Draw(src Source) float64 {
	switch a.Kind {
	case Bernoulli:
		if src.Float64() < a.P {
			return a.Payoff
		}
		return 0
	case Gaussian:
		return src.Gaussian(a.Mu, a.Sigma)
	case Nonstationary:
		a.drift += a.DriftRate
		return src.Gaussian(a.Mu+a.drift, a.Sigma)
	case Exponential:
		return src.Exponential(a.Scale)
	}
	panic(fmt.Sprintf("bandit: unknown arm kind %q", a.Kind))
}

// Drift returns how far a nonstationary arm's mean has moved. The drift
// accumulates for the lifetime of the arm and is never reset by a simulation.
func (a *Arm) Drift() float64 {
	return a.drift
}

func (a *Arm) String() string {
	switch a.Kind {
	case Bernoulli:
		return fmt.Sprintf("Bernoulli(p=%g, r=%g)", a.P, a.Payoff)
	case Gaussian:
		return fmt.Sprintf("Gaussian(mu=%g, sigma=%g)", a.Mu, a.Sigma)
	case Nonstationary:
		return fmt.Sprintf("Nonstationary(mu=%g, sigma=%g, eps=%g)", a.Mu, a.Sigma, a.DriftRate)
	case Exponential:
		return fmt.Sprintf("Exponential(scale=%g)", a.Scale)
	}
	return string(a.Kind)
}
