package arena

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/freeeve/bandit-arena/pkg/bandit"
)

// ErrInvalidConfig is returned for malformed experiment definitions.
var ErrInvalidConfig = errors.New("invalid experiment config")

// ExperimentConfig describes a comparison of policies over one arm set.
type ExperimentConfig struct {
	Name     string       `yaml:"name" json:"name"`
	Arms     []ArmSpec    `yaml:"arms" json:"arms"`
	Policies []PolicySpec `yaml:"policies" json:"policies"`
	Trials   int          `yaml:"trials,omitempty" json:"trials,omitempty"`
	Horizon  int          `yaml:"horizon,omitempty" json:"horizon,omitempty"`
	Seed     uint64       `yaml:"seed,omitempty" json:"seed,omitempty"` // 0 = random

	ID      string `yaml:"-" json:"-"` // existing experiment row to run into
	OwnerID string `yaml:"-" json:"-"`
	DryRun  bool   `yaml:"-" json:"-"` // skip DB writes
}

// WithDefaults fills in the run size and name.
func (c ExperimentConfig) WithDefaults() ExperimentConfig {
	if c.Trials == 0 {
		c.Trials = bandit.DefaultTrials
	}
	if c.Horizon == 0 {
		c.Horizon = bandit.DefaultHorizon
	}
	if c.Name == "" {
		c.Name = "experiment"
	}
	return c
}

// Validate checks the run size and that every arm and policy can be built.
func (c ExperimentConfig) Validate() error {
	if len(c.Arms) == 0 {
		return fmt.Errorf("%w: no arms", ErrInvalidConfig)
	}
	if len(c.Policies) == 0 {
		return fmt.Errorf("%w: no policies", ErrInvalidConfig)
	}
	if c.Trials < 0 || c.Horizon < 0 {
		return fmt.Errorf("%w: trials=%d horizon=%d", ErrInvalidConfig, c.Trials, c.Horizon)
	}
	if _, err := BuildArms(c.Arms); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for i, p := range c.Policies {
		if _, err := PolicyForSpec(p); err != nil {
			return fmt.Errorf("%w: policy %d: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// LoadExperimentFile reads an experiment definition. YAML is the native
// format; JSON files parse too since YAML is a superset. Unknown keys are errors.
func LoadExperimentFile(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment file: %w", err)
	}
	return ParseExperiment(data)
}

// ParseExperiment decodes and validates an experiment definition.
func ParseExperiment(data []byte) (*ExperimentConfig, error) {
	var cfg ExperimentConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty experiment file", ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: parse experiment: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fingerprintInput is the canonical form hashed by Fingerprint.
type fingerprintInput struct {
	Arms     []ArmSpec    `json:"arms"`
	Policies []PolicySpec `json:"policies"`
	Trials   int          `json:"trials"`
	Horizon  int          `json:"horizon"`
	Seed     uint64       `json:"seed"`
}

// Fingerprint identifies the results a seeded configuration will produce.
// It is empty for unseeded or invalid configurations, which are never reused.
func Fingerprint(c ExperimentConfig) string {
	if c.Seed == 0 {
		return ""
	}
	c = c.WithDefaults()
	in := fingerprintInput{Trials: c.Trials, Horizon: c.Horizon, Seed: c.Seed}
	for _, a := range c.Arms {
		a.Kind = strings.ToLower(a.Kind)
		if a.Kind == string(bandit.Bernoulli) && a.Reward == nil {
			r := 1.0
			a.Reward = &r
		}
		in.Arms = append(in.Arms, a)
	}
	for _, p := range c.Policies {
		cp, err := p.canonical()
		if err != nil {
			return ""
		}
		in.Policies = append(in.Policies, cp)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
