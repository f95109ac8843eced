package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/freeeve/bandit-arena/internal/arena"
	"github.com/freeeve/bandit-arena/internal/logger"
	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
)

var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrNotOwner           = errors.New("experiment belongs to another user")
	ErrTooLarge           = errors.New("experiment exceeds server limits")
	ErrAlreadyRunning     = errors.New("an identical experiment is already running")
)

// runLockTTL bounds how long a crashed run can block identical submissions.
const runLockTTL = time.Hour

// Limits caps what one submission may request.
type Limits struct {
	MaxTrials  int
	MaxHorizon int
	// MaxPulls caps trials x horizon, the number of rounds simulated per policy.
	MaxPulls int
	// CacheTTL is how long finished seeded reports stay in the report cache.
	CacheTTL time.Duration
}

// Submission is the answer to Submit: either a newly started experiment or
// the report of an identical seeded experiment that already finished.
type Submission struct {
	Experiment *model.Experiment `json:"experiment,omitempty"`
	Cached     bool              `json:"cached"`
	Report     json.RawMessage   `json:"report,omitempty"`
}

// ExperimentService validates, runs and serves experiments.
type ExperimentService struct {
	experimentRepo repository.ExperimentRepository
	cache          repository.ReportCache
	broadcaster    Broadcaster
	limits         Limits

	// runCtx parents every background run; cancelling it stops them between trials.
	runCtx context.Context
	wg     sync.WaitGroup
}

// NewExperimentService creates an ExperimentService. Background runs stop
// when runCtx is cancelled.
func NewExperimentService(
	runCtx context.Context,
	experimentRepo repository.ExperimentRepository,
	cache repository.ReportCache,
	broadcaster Broadcaster,
	limits Limits,
) *ExperimentService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &ExperimentService{
		experimentRepo: experimentRepo,
		cache:          cache,
		broadcaster:    broadcaster,
		limits:         limits,
		runCtx:         runCtx,
	}
}

// Submit validates cfg and starts it in the background. A seeded config that
// has already finished returns the stored report instead of running again.
func (s *ExperimentService) Submit(ctx context.Context, ownerID string, cfg arena.ExperimentConfig) (*Submission, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.limits.MaxTrials > 0 && cfg.Trials > s.limits.MaxTrials {
		return nil, fmt.Errorf("%w: trials %d > %d", ErrTooLarge, cfg.Trials, s.limits.MaxTrials)
	}
	if s.limits.MaxHorizon > 0 && cfg.Horizon > s.limits.MaxHorizon {
		return nil, fmt.Errorf("%w: horizon %d > %d", ErrTooLarge, cfg.Horizon, s.limits.MaxHorizon)
	}
	if pulls := int64(cfg.Trials) * int64(cfg.Horizon); s.limits.MaxPulls > 0 && pulls > int64(s.limits.MaxPulls) {
		return nil, fmt.Errorf("%w: %d trials x %d rounds > %d pulls", ErrTooLarge, cfg.Trials, cfg.Horizon, s.limits.MaxPulls)
	}

	fingerprint := arena.Fingerprint(cfg)
	var lockToken string
	if fingerprint != "" {
		sub, err := s.cachedSubmission(ctx, ownerID, cfg, fingerprint)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}

		lockToken = uuid.NewString()
		ok, err := s.cache.AcquireRunLock(ctx, fingerprint, lockToken, runLockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAlreadyRunning
		}
	}

	if cfg.Seed == 0 {
		cfg.Seed = rand.Uint64()
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		s.releaseLock(fingerprint, lockToken)
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	exp, err := s.experimentRepo.Create(ctx, repository.NewExperiment{
		Name:        cfg.Name,
		OwnerID:     ownerID,
		Fingerprint: fingerprint,
		Config:      configJSON,
		Trials:      cfg.Trials,
		Horizon:     cfg.Horizon,
		Seed:        cfg.Seed,
	})
	if err != nil {
		s.releaseLock(fingerprint, lockToken)
		return nil, err
	}

	cfg.ID = exp.ID
	cfg.OwnerID = ownerID
	s.wg.Add(1)
	go s.run(cfg, fingerprint, lockToken)

	l := logger.ForRequest(ctx)
	l.Info().Str("experimentId", exp.ID).Str("fingerprint", fingerprint).
		Int("policies", len(cfg.Policies)).Msg("Experiment submitted")
	return &Submission{Experiment: exp}, nil
}

// cachedSubmission answers a seeded submission from an identical finished
// run. A run owned by someone else is never handed out: the caller gets an
// experiment of their own carrying copies of its results.
func (s *ExperimentService) cachedSubmission(ctx context.Context, ownerID string, cfg arena.ExperimentConfig, fingerprint string) (*Submission, error) {
	src, report, err := s.finishedRun(ctx, fingerprint)
	if err != nil || src == nil {
		return nil, err
	}
	if src.OwnerID == ownerID {
		return &Submission{Experiment: src, Cached: true, Report: report}, nil
	}

	exps, err := s.experimentRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range exps {
		if e := &exps[i]; e.Fingerprint == fingerprint && e.Status == model.StatusFinished {
			return s.ownReport(ctx, e)
		}
	}
	return s.copyRun(ctx, ownerID, cfg, fingerprint, src)
}

// finishedRun finds a finished run with fingerprint and its report, trying
// Redis first and then Postgres. A Postgres hit is written back to Redis.
func (s *ExperimentService) finishedRun(ctx context.Context, fingerprint string) (*model.Experiment, json.RawMessage, error) {
	report, err := s.cache.GetReport(ctx, fingerprint)
	if err != nil {
		// The cache is an optimization; fall through to Postgres.
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Report cache read failed")
	}
	if report != nil {
		var r arena.ExperimentResult
		if err := json.Unmarshal(report, &r); err == nil && r.ExperimentID != "" {
			exp, err := s.experimentRepo.FindByID(ctx, r.ExperimentID)
			if err != nil {
				return nil, nil, err
			}
			if exp != nil && exp.Status == model.StatusFinished {
				return exp, report, nil
			}
		}
	}

	exp, err := s.experimentRepo.FindFinishedByFingerprint(ctx, fingerprint)
	if err != nil || exp == nil {
		return nil, nil, err
	}
	sub, err := s.ownReport(ctx, exp)
	if err != nil {
		return nil, nil, err
	}
	s.storeReport(ctx, fingerprint, sub.Report)
	return exp, sub.Report, nil
}

// ownReport rebuilds the report of a finished experiment from its stored rows.
func (s *ExperimentService) ownReport(ctx context.Context, exp *model.Experiment) (*Submission, error) {
	rows, err := s.experimentRepo.Results(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	report, err := json.Marshal(reportFromModel(exp, rows))
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return &Submission{Experiment: exp, Cached: true, Report: report}, nil
}

// copyRun records a finished experiment for ownerID holding src's results.
func (s *ExperimentService) copyRun(ctx context.Context, ownerID string, cfg arena.ExperimentConfig, fingerprint string, src *model.Experiment) (*Submission, error) {
	rows, err := s.experimentRepo.Results(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	exp, err := s.experimentRepo.Create(ctx, repository.NewExperiment{
		Name:        cfg.Name,
		OwnerID:     ownerID,
		Fingerprint: fingerprint,
		Config:      configJSON,
		Trials:      cfg.Trials,
		Horizon:     cfg.Horizon,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	copies := make([]model.ExperimentResult, len(rows))
	for i, r := range rows {
		r.ID = ""
		r.ExperimentID = exp.ID
		copies[i] = r
	}
	if err := s.experimentRepo.SaveResults(ctx, exp.ID, copies); err != nil {
		return nil, err
	}
	if err := s.experimentRepo.SetStatus(ctx, exp.ID, model.StatusFinished, ""); err != nil {
		return nil, err
	}
	exp, err = s.experimentRepo.FindByID(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, ErrExperimentNotFound
	}

	l := logger.ForRequest(ctx)
	l.Info().Str("experimentId", exp.ID).Str("fingerprint", fingerprint).Msg("Experiment answered from a finished run")
	return s.ownReport(ctx, exp)
}

func (s *ExperimentService) run(cfg arena.ExperimentConfig, fingerprint, lockToken string) {
	defer s.wg.Done()
	defer s.releaseLock(fingerprint, lockToken)

	ctx := logger.WithExperimentID(s.runCtx, cfg.ID)
	l := logger.ForRequest(ctx)

	res, err := arena.RunExperiment(ctx, cfg, s.experimentRepo, nil, broadcastProgress{b: s.broadcaster})
	if err != nil {
		l.Error().Err(err).Msg("Experiment failed")
		s.broadcaster.BroadcastExperimentEvent(cfg.ID, EventExperimentFailed, map[string]string{"error": err.Error()})
		return
	}
	res.Fingerprint = fingerprint
	s.broadcaster.BroadcastExperimentEvent(cfg.ID, EventExperimentFinished, res)

	if fingerprint != "" {
		report, err := json.Marshal(res)
		if err != nil {
			l.Error().Err(err).Msg("Failed to marshal report")
			return
		}
		s.storeReport(ctx, fingerprint, report)
	}
}

func (s *ExperimentService) storeReport(ctx context.Context, fingerprint string, report json.RawMessage) {
	if err := s.cache.SetReport(ctx, fingerprint, report, s.limits.CacheTTL); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to cache report")
	}
}

func (s *ExperimentService) releaseLock(fingerprint, token string) {
	if fingerprint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.ReleaseRunLock(ctx, fingerprint, token); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to release run lock")
	}
}

// Wait blocks until every background run has returned.
func (s *ExperimentService) Wait() {
	s.wg.Wait()
}

// Get returns an experiment owned by userID, with results once finished.
func (s *ExperimentService) Get(ctx context.Context, id, userID string) (*model.Experiment, error) {
	exp, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if exp.Status == model.StatusFinished {
		exp.Results, err = s.experimentRepo.Results(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return exp, nil
}

// List returns the user's experiments, most recent first.
func (s *ExperimentService) List(ctx context.Context, userID string) ([]model.Experiment, error) {
	exps, err := s.experimentRepo.ListByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if exps == nil {
		exps = []model.Experiment{}
	}
	return exps, nil
}

// Results returns the per-policy results of an experiment owned by userID.
func (s *ExperimentService) Results(ctx context.Context, id, userID string) ([]model.ExperimentResult, error) {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return nil, err
	}
	rows, err := s.experimentRepo.Results(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.ExperimentResult{}
	}
	return rows, nil
}

func (s *ExperimentService) owned(ctx context.Context, id, userID string) (*model.Experiment, error) {
	exp, err := s.experimentRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, ErrExperimentNotFound
	}
	if exp.OwnerID != userID {
		return nil, ErrNotOwner
	}
	return exp, nil
}

// reportFromModel rebuilds the run report from stored rows.
func reportFromModel(exp *model.Experiment, rows []model.ExperimentResult) *arena.ExperimentResult {
	r := &arena.ExperimentResult{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Fingerprint:  exp.Fingerprint,
		Seed:         exp.Seed,
		Trials:       exp.Trials,
		Horizon:      exp.Horizon,
		Results:      arena.ResultsFromModel(rows),
	}
	if len(rows) > 0 {
		r.OptimalArm = rows[0].OptimalArm
	}
	var cfg arena.ExperimentConfig
	if err := json.Unmarshal(exp.Config, &cfg); err == nil {
		if arms, err := arena.BuildArms(cfg.Arms); err == nil {
			for _, a := range arms {
				r.Arms = append(r.Arms, a.String())
			}
		}
	}
	if exp.StartedAt != nil && exp.FinishedAt != nil {
		r.Elapsed = exp.FinishedAt.Sub(*exp.StartedAt)
	}
	return r
}
