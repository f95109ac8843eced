package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freeeve/bandit-arena/internal/model"
)

// UserRepository defines user data operations.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByProviderID(ctx context.Context, provider, providerID string) (*model.User, error)
	Upsert(ctx context.Context, provider, providerID, displayName, avatarURL string) (*model.User, error)
}

// NewExperiment holds the fields supplied when an experiment is created.
type NewExperiment struct {
	Name        string
	OwnerID     string
	Fingerprint string
	Config      json.RawMessage
	Trials      int
	Horizon     int
	Seed        uint64
}

// ExperimentRepository defines experiment and result data operations.
type ExperimentRepository interface {
	Create(ctx context.Context, exp NewExperiment) (*model.Experiment, error)
	FindByID(ctx context.Context, id string) (*model.Experiment, error)
	// FindFinishedByFingerprint returns the latest finished experiment with
	// the fingerprint, or nil if there is none.
	FindFinishedByFingerprint(ctx context.Context, fingerprint string) (*model.Experiment, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Experiment, error)
	// ListStale returns pending or running experiments created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]model.Experiment, error)
	SetStatus(ctx context.Context, id, status, errMsg string) error
	SaveResults(ctx context.Context, experimentID string, results []model.ExperimentResult) error
	Results(ctx context.Context, experimentID string) ([]model.ExperimentResult, error)
}

// ReportCache defines finished-report caching and run deduplication (Redis).
type ReportCache interface {
	// GetReport returns nil without error on a miss.
	GetReport(ctx context.Context, fingerprint string) (json.RawMessage, error)
	SetReport(ctx context.Context, fingerprint string, report json.RawMessage, ttl time.Duration) error
	// AcquireRunLock reports whether the caller now owns the run for fingerprint.
	AcquireRunLock(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error)
	// ReleaseRunLock drops the lock only while owner still holds it.
	ReleaseRunLock(ctx context.Context, fingerprint, owner string) error
}
