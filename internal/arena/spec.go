package arena

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/bandit-arena/pkg/bandit"
)

// DefaultEps is the exploration rate used when an epsilon policy omits eps.
const DefaultEps = 0.1

// ArmSpec describes one arm in an experiment file or API request.
type ArmSpec struct {
	Kind   string   `yaml:"kind" json:"kind"`
	P      float64  `yaml:"p,omitempty" json:"p,omitempty"`
	Reward *float64 `yaml:"reward,omitempty" json:"reward,omitempty"` // bernoulli payoff, default 1
	Mu     float64  `yaml:"mu,omitempty" json:"mu,omitempty"`
	Sigma  float64  `yaml:"sigma,omitempty" json:"sigma,omitempty"`
	Eps    float64  `yaml:"eps,omitempty" json:"eps,omitempty"` // nonstationary drift per draw
	Scale  float64  `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Build constructs a fresh arm. Arms carry drift state, so every simulation
// builds its own.
func (s ArmSpec) Build() (*bandit.Arm, error) {
	switch bandit.ArmKind(strings.ToLower(s.Kind)) {
	case bandit.Bernoulli:
		r := 1.0
		if s.Reward != nil {
			r = *s.Reward
		}
		return bandit.NewBernoulliArm(s.P, r)
	case bandit.Gaussian:
		return bandit.NewGaussianArm(s.Mu, s.Sigma)
	case bandit.Nonstationary:
		return bandit.NewNonstationaryArm(s.Mu, s.Sigma, s.Eps)
	case bandit.Exponential:
		return bandit.NewExponentialArm(s.Scale)
	}
	return nil, fmt.Errorf("%w: unknown arm kind %q", bandit.ErrInvalidArm, s.Kind)
}

// BuildArms builds every arm in order.
func BuildArms(specs []ArmSpec) ([]*bandit.Arm, error) {
	arms := make([]*bandit.Arm, len(specs))
	for i, s := range specs {
		a, err := s.Build()
		if err != nil {
			return nil, fmt.Errorf("arm %d: %w", i, err)
		}
		arms[i] = a
	}
	return arms, nil
}

// PolicySpec describes one policy to compare.
type PolicySpec struct {
	Kind  string   `yaml:"kind" json:"kind"`
	Eps   *float64 `yaml:"eps,omitempty" json:"eps,omitempty"`
	Alpha string   `yaml:"alpha,omitempty" json:"alpha,omitempty"`
	// Spread selects the gaussian-ts sampling width: "lambda" (default) or "sigma".
	Spread string `yaml:"spread,omitempty" json:"spread,omitempty"`
}

// Policy kinds accepted by PolicyForSpec, with their shorthand aliases.
const (
	KindEpsilonGreedy = "egreedy"
	KindEpsilonDecay  = "edecay"
	KindAnnealing     = "annealing"
	KindOptimistic    = "optimistic"
	KindUCB1          = "ucb1"
	KindBernoulliTS   = "bernoulli-ts"
	KindGaussianTS    = "gaussian-ts"
)

var policyAliases = map[string]string{
	"epsilon-greedy": KindEpsilonGreedy,
	"epsilon-decay":  KindEpsilonDecay,
	"oiv":            KindOptimistic,
	"ucb":            KindUCB1,
	"bts":            KindBernoulliTS,
	"gts":            KindGaussianTS,
}

func canonicalKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if c, ok := policyAliases[k]; ok {
		return c
	}
	return k
}

// canonical resolves aliases and defaults so equivalent specs compare equal.
func (s PolicySpec) canonical() (PolicySpec, error) {
	out := PolicySpec{Kind: canonicalKind(s.Kind)}
	switch out.Kind {
	case KindEpsilonGreedy, KindEpsilonDecay:
		eps := DefaultEps
		if s.Eps != nil {
			eps = *s.Eps
		}
		out.Eps = &eps
	}
	switch out.Kind {
	case KindEpsilonGreedy, KindEpsilonDecay, KindAnnealing, KindOptimistic, KindUCB1:
		a, err := bandit.ParseAlpha(s.Alpha)
		if err != nil {
			return PolicySpec{}, err
		}
		out.Alpha = a.String()
	case KindGaussianTS:
		switch strings.ToLower(s.Spread) {
		case "", "lambda":
		case "sigma":
			out.Spread = "sigma"
		default:
			return PolicySpec{}, fmt.Errorf("%w: unknown gaussian-ts spread %q", bandit.ErrInvalidPolicy, s.Spread)
		}
	case KindBernoulliTS:
	default:
		return PolicySpec{}, fmt.Errorf("%w: unknown policy kind %q", bandit.ErrInvalidPolicy, s.Kind)
	}
	return out, nil
}

// PolicyForSpec returns a new policy for the spec.
func PolicyForSpec(spec PolicySpec) (bandit.Policy, error) {
	s, err := spec.canonical()
	if err != nil {
		return nil, err
	}
	alpha, _ := bandit.ParseAlpha(s.Alpha)
	switch s.Kind {
	case KindEpsilonGreedy:
		return bandit.NewEpsilonGreedy(*s.Eps, alpha)
	case KindEpsilonDecay:
		return bandit.NewEpsilonDecay(*s.Eps, alpha)
	case KindAnnealing:
		return bandit.NewAnnealingEpsilonGreedy(alpha)
	case KindOptimistic:
		return bandit.NewOptimisticInitialValues(alpha)
	case KindUCB1:
		return bandit.NewUCB1(alpha)
	case KindBernoulliTS:
		return bandit.NewBernoulliTS(), nil
	default:
		if s.Spread == "sigma" {
			return bandit.NewGaussianTS(bandit.WithSigmaSpread()), nil
		}
		return bandit.NewGaussianTS(), nil
	}
}

// shorthandItem is one comma-separated element of a CLI list: kind:k=v;k=v.
type shorthandItem struct {
	kind   string
	params map[string]float64
	raw    map[string]string
}

func parseShorthand(s string) ([]shorthandItem, error) {
	var items []shorthandItem
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, rest, _ := strings.Cut(part, ":")
		it := shorthandItem{
			kind:   strings.TrimSpace(kind),
			params: make(map[string]float64),
			raw:    make(map[string]string),
		}
		if rest != "" {
			for _, kv := range strings.Split(rest, ";") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return nil, fmt.Errorf("%w: %q: expected key=value, got %q", ErrInvalidConfig, part, kv)
				}
				k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
				it.raw[k] = v
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					it.params[k] = f
				}
			}
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty list", ErrInvalidConfig)
	}
	return items, nil
}

// number returns the numeric value of the first present key.
func (it shorthandItem) number(keys ...string) (float64, bool, error) {
	for _, k := range keys {
		raw, ok := it.raw[k]
		if !ok {
			continue
		}
		f, ok := it.params[k]
		if !ok {
			return 0, false, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, k, raw)
		}
		return f, true, nil
	}
	return 0, false, nil
}

func (it shorthandItem) checkKeys(allowed ...string) error {
	for k := range it.raw {
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s does not take %q", ErrInvalidConfig, it.kind, k)
		}
	}
	return nil
}

// ParseArms parses the CLI arm list, e.g. "bernoulli:p=0.2,gaussian:mu=1;sigma=2".
// A bare number is a Bernoulli arm with that success probability.
func ParseArms(s string) ([]ArmSpec, error) {
	items, err := parseShorthand(s)
	if err != nil {
		return nil, err
	}
	specs := make([]ArmSpec, 0, len(items))
	for _, it := range items {
		if p, err := strconv.ParseFloat(it.kind, 64); err == nil && len(it.raw) == 0 {
			specs = append(specs, ArmSpec{Kind: string(bandit.Bernoulli), P: p})
			continue
		}
		if err := it.checkKeys("p", "r", "reward", "mu", "sigma", "eps", "drift", "scale"); err != nil {
			return nil, err
		}
		spec := ArmSpec{Kind: strings.ToLower(it.kind)}
		fields := []struct {
			dst  *float64
			keys []string
		}{
			{&spec.P, []string{"p"}},
			{&spec.Mu, []string{"mu"}},
			{&spec.Sigma, []string{"sigma"}},
			{&spec.Eps, []string{"eps", "drift"}},
			{&spec.Scale, []string{"scale"}},
		}
		for _, f := range fields {
			v, _, err := it.number(f.keys...)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		r, ok, err := it.number("r", "reward")
		if err != nil {
			return nil, err
		}
		if ok {
			spec.Reward = &r
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParsePolicies parses the CLI policy list, e.g. "egreedy:eps=0.1;alpha=classic,ucb1".
func ParsePolicies(s string) ([]PolicySpec, error) {
	items, err := parseShorthand(s)
	if err != nil {
		return nil, err
	}
	specs := make([]PolicySpec, 0, len(items))
	for _, it := range items {
		if err := it.checkKeys("eps", "alpha", "spread"); err != nil {
			return nil, err
		}
		spec := PolicySpec{Kind: it.kind, Alpha: it.raw["alpha"], Spread: it.raw["spread"]}
		eps, ok, err := it.number("eps")
		if err != nil {
			return nil, err
		}
		if ok {
			spec.Eps = &eps
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
