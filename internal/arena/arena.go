package arena

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
	"github.com/freeeve/bandit-arena/pkg/bandit"
)

// Progress receives per-trial and per-policy updates while an experiment runs.
type Progress interface {
	TrialCompleted(experimentID string, s bandit.TrialSummary)
	PolicyCompleted(experimentID string, position int, r *bandit.Result)
}

// NoopProgress discards progress updates.
type NoopProgress struct{}

func (NoopProgress) TrialCompleted(string, bandit.TrialSummary)  {}
func (NoopProgress) PolicyCompleted(string, int, *bandit.Result) {}

// ExperimentResult describes the outcome of a completed experiment.
type ExperimentResult struct {
	ExperimentID string           `json:"experiment_id,omitempty"`
	Name         string           `json:"name"`
	Fingerprint  string           `json:"fingerprint,omitempty"`
	Seed         uint64           `json:"seed"`
	Trials       int              `json:"trials"`
	Horizon      int              `json:"horizon"`
	Arms         []string         `json:"arms"`
	OptimalArm   int              `json:"optimal_arm"`
	Results      []*bandit.Result `json:"results"`
	Elapsed      time.Duration    `json:"elapsed_ns"`
}

// RunExperiment simulates every policy in cfg against fresh copies of its
// arms, saving progress to Postgres. Pass nil repos for dry-run mode.
//
// All policies share the run's base seed, so trial i of each policy sees the
// same random stream. An unseeded config is given a random seed, which is
// reported in the result.
func RunExperiment(
	ctx context.Context,
	cfg ExperimentConfig,
	experimentRepo repository.ExperimentRepository,
	userRepo repository.UserRepository,
	progress Progress,
) (*ExperimentResult, error) {
	fingerprint := Fingerprint(cfg)
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = NoopProgress{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	expID := cfg.ID
	switch {
	case cfg.DryRun:
	case expID == "":
		var err error
		expID, err = createExperiment(ctx, cfg, fingerprint, seed, experimentRepo, userRepo)
		if err != nil {
			return nil, fmt.Errorf("create experiment: %w", err)
		}
	default:
		if err := experimentRepo.SetStatus(ctx, expID, model.StatusRunning, ""); err != nil {
			return nil, fmt.Errorf("set running: %w", err)
		}
	}

	result, err := runPolicies(ctx, cfg, expID, seed, progress)
	if err != nil {
		if !cfg.DryRun {
			markFailed(ctx, experimentRepo, expID, err)
		}
		return nil, err
	}
	result.Fingerprint = fingerprint

	if !cfg.DryRun {
		if err := experimentRepo.SaveResults(ctx, expID, resultsToModel(expID, result.Results)); err != nil {
			markFailed(ctx, experimentRepo, expID, err)
			return nil, fmt.Errorf("save results: %w", err)
		}
		if err := experimentRepo.SetStatus(ctx, expID, model.StatusFinished, ""); err != nil {
			return nil, fmt.Errorf("set finished: %w", err)
		}
	}

	log.Info().Str("experimentId", expID).Str("name", cfg.Name).Int("policies", len(result.Results)).
		Dur("elapsed", result.Elapsed).Msg("Experiment finished")
	return result, nil
}

func runPolicies(ctx context.Context, cfg ExperimentConfig, expID string, seed uint64, progress Progress) (*ExperimentResult, error) {
	start := time.Now()
	result := &ExperimentResult{
		ExperimentID: expID,
		Name:         cfg.Name,
		Seed:         seed,
		Trials:       cfg.Trials,
		Horizon:      cfg.Horizon,
	}

	for i, spec := range cfg.Policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		arms, err := BuildArms(cfg.Arms)
		if err != nil {
			return nil, err
		}
		policy, err := PolicyForSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		sim, err := bandit.NewSimulator(arms,
			bandit.WithSeed(seed),
			bandit.WithTrialHook(func(s bandit.TrialSummary) { progress.TrialCompleted(expID, s) }),
		)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result.OptimalArm = sim.Optimal()
			for _, a := range arms {
				result.Arms = append(result.Arms, a.String())
			}
		}

		r, err := sim.Simulate(ctx, policy, cfg.Trials, cfg.Horizon)
		if err != nil {
			return nil, fmt.Errorf("simulate %s: %w", policy.Name(), err)
		}
		result.Results = append(result.Results, r)
		progress.PolicyCompleted(expID, i, r)

		log.Debug().Str("experimentId", expID).Str("policy", r.Policy).
			Float64("optimalProb", r.OptimalArmProbability).Float64("avgReward", r.AverageTotalReward).
			Msg("Policy simulated")
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

// createExperiment inserts the experiment row and marks it running. Runs
// without an owner are attributed to the banditmatch CLI user.
func createExperiment(
	ctx context.Context,
	cfg ExperimentConfig,
	fingerprint string,
	seed uint64,
	experimentRepo repository.ExperimentRepository,
	userRepo repository.UserRepository,
) (string, error) {
	ownerID := cfg.OwnerID
	if ownerID == "" {
		user, err := userRepo.Upsert(ctx, "cli", "banditmatch", "banditmatch", "")
		if err != nil {
			return "", fmt.Errorf("upsert cli user: %w", err)
		}
		ownerID = user.ID
	}

	// Store the seed actually used so the saved config replays exactly.
	cfg.Seed = seed
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	exp, err := experimentRepo.Create(ctx, repository.NewExperiment{
		Name:        cfg.Name,
		OwnerID:     ownerID,
		Fingerprint: fingerprint,
		Config:      configJSON,
		Trials:      cfg.Trials,
		Horizon:     cfg.Horizon,
		Seed:        seed,
	})
	if err != nil {
		return "", err
	}
	if err := experimentRepo.SetStatus(ctx, exp.ID, model.StatusRunning, ""); err != nil {
		return "", fmt.Errorf("set running: %w", err)
	}
	return exp.ID, nil
}

// markFailed records the failure even when ctx has been cancelled.
func markFailed(ctx context.Context, experimentRepo repository.ExperimentRepository, expID string, cause error) {
	if expID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := experimentRepo.SetStatus(ctx, expID, model.StatusFailed, cause.Error()); err != nil {
		log.Error().Err(err).Str("experimentId", expID).Msg("Failed to mark experiment failed")
	}
}
