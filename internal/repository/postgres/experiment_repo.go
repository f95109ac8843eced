package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
)

// ExperimentRepo handles experiment and experiment_result database operations.
type ExperimentRepo struct {
	db *sql.DB
}

// NewExperimentRepo creates an ExperimentRepo.
func NewExperimentRepo(db *sql.DB) *ExperimentRepo {
	return &ExperimentRepo{db: db}
}

const experimentColumns = `id, name, owner_id, status, fingerprint, config, trials, horizon, seed, error,
	created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanExperiment reads one row selected with experimentColumns. The seed is
// stored as a BIGINT bit pattern since Postgres has no unsigned 64-bit type.
func scanExperiment(s rowScanner) (*model.Experiment, error) {
	var e model.Experiment
	var fingerprint, errMsg sql.NullString
	var seed int64
	var config []byte
	if err := s.Scan(&e.ID, &e.Name, &e.OwnerID, &e.Status, &fingerprint, &config, &e.Trials, &e.Horizon, &seed, &errMsg,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt); err != nil {
		return nil, err
	}
	e.Fingerprint = fingerprint.String
	e.Error = errMsg.String
	e.Seed = uint64(seed)
	e.Config = config
	return &e, nil
}

// Create inserts a new experiment in pending status.
func (r *ExperimentRepo) Create(ctx context.Context, exp repository.NewExperiment) (*model.Experiment, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO experiments (name, owner_id, fingerprint, config, trials, horizon, seed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+experimentColumns,
		exp.Name, exp.OwnerID, nullStr(exp.Fingerprint), []byte(exp.Config), exp.Trials, exp.Horizon, int64(exp.Seed),
	)
	e, err := scanExperiment(row)
	if err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	return e, nil
}

// FindByID returns an experiment without its results, or nil if it does not exist.
func (r *ExperimentRepo) FindByID(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := scanExperiment(r.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find experiment: %w", err)
	}
	return e, nil
}

// FindFinishedByFingerprint returns the most recently finished experiment with the fingerprint.
func (r *ExperimentRepo) FindFinishedByFingerprint(ctx context.Context, fingerprint string) (*model.Experiment, error) {
	e, err := scanExperiment(r.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE fingerprint = $1 AND status = 'finished'
		 ORDER BY finished_at DESC LIMIT 1`, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find experiment by fingerprint: %w", err)
	}
	return e, nil
}

// ListByOwner returns an owner's experiments, most recent first.
func (r *ExperimentRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Experiment, error) {
	return r.list(ctx, "list experiments",
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT 100`, ownerID)
}

// ListStale returns unfinished experiments created before cutoff.
func (r *ExperimentRepo) ListStale(ctx context.Context, cutoff time.Time) ([]model.Experiment, error) {
	return r.list(ctx, "list stale experiments",
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE status IN ('pending', 'running') AND created_at < $1 ORDER BY created_at`, cutoff)
}

func (r *ExperimentRepo) list(ctx context.Context, op, query string, args ...any) ([]model.Experiment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var exps []model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		exps = append(exps, *e)
	}
	return exps, rows.Err()
}

// SetStatus moves an experiment to status. Running stamps started_at;
// finished and failed stamp finished_at.
func (r *ExperimentRepo) SetStatus(ctx context.Context, id, status, errMsg string) error {
	var err error
	switch status {
	case model.StatusRunning:
		_, err = r.db.ExecContext(ctx,
			`UPDATE experiments SET status = $1, started_at = now() WHERE id = $2`, status, id)
	case model.StatusFinished, model.StatusFailed:
		_, err = r.db.ExecContext(ctx,
			`UPDATE experiments SET status = $1, error = $2, finished_at = now() WHERE id = $3`,
			status, nullStr(errMsg), id)
	default:
		_, err = r.db.ExecContext(ctx,
			`UPDATE experiments SET status = $1 WHERE id = $2`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set experiment status: %w", err)
	}
	return nil
}

// SaveResults inserts one row per policy in a single transaction.
func (r *ExperimentRepo) SaveResults(ctx context.Context, experimentID string, results []model.ExperimentResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO experiment_results (experiment_id, position, policy, trials, horizon, optimal_arm,
		    optimal_arm_probability, optimal_arm_probability_std_dev, average_total_reward, total_reward_std_dev,
		    pull_share, final_values)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("prepare insert result: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		_, err := stmt.ExecContext(ctx, experimentID, res.Position, res.Policy, res.Trials, res.Horizon, res.OptimalArm,
			res.OptimalArmProbability, res.OptimalArmProbabilityStdDev, res.AverageTotalReward, res.TotalRewardStdDev,
			pq.Array(res.PullShare), pq.Array(res.FinalValues))
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	return tx.Commit()
}

// Results returns an experiment's per-policy results in submission order.
func (r *ExperimentRepo) Results(ctx context.Context, experimentID string) ([]model.ExperimentResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, experiment_id, position, policy, trials, horizon, optimal_arm,
		        optimal_arm_probability, optimal_arm_probability_std_dev, average_total_reward, total_reward_std_dev,
		        pull_share, final_values, created_at
		 FROM experiment_results WHERE experiment_id = $1 ORDER BY position`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("experiment results: %w", err)
	}
	defer rows.Close()

	var results []model.ExperimentResult
	for rows.Next() {
		var res model.ExperimentResult
		if err := rows.Scan(&res.ID, &res.ExperimentID, &res.Position, &res.Policy, &res.Trials, &res.Horizon, &res.OptimalArm,
			&res.OptimalArmProbability, &res.OptimalArmProbabilityStdDev, &res.AverageTotalReward, &res.TotalRewardStdDev,
			pq.Array(&res.PullShare), pq.Array(&res.FinalValues), &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
