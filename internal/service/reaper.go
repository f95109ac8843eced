package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
)

// Reaper marks experiments failed when they stay pending or running past
// maxAge, which happens when the server restarts mid-run.
type Reaper struct {
	experimentRepo repository.ExperimentRepository
	maxAge         time.Duration
	interval       time.Duration
}

// NewReaper creates a Reaper that checks every interval.
func NewReaper(experimentRepo repository.ExperimentRepository, maxAge, interval time.Duration) *Reaper {
	return &Reaper{experimentRepo: experimentRepo, maxAge: maxAge, interval: interval}
}

// Start polls until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("maxAge", r.maxAge).Dur("interval", r.interval).Msg("Stale experiment reaper started")
	for {
		r.Reap(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reap fails every stale experiment once and returns how many it failed.
func (r *Reaper) Reap(ctx context.Context) int {
	stale, err := r.experimentRepo.ListStale(ctx, time.Now().Add(-r.maxAge))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stale experiments")
		return 0
	}
	n := 0
	for _, e := range stale {
		if err := r.experimentRepo.SetStatus(ctx, e.ID, model.StatusFailed, "abandoned: no progress within "+r.maxAge.String()); err != nil {
			log.Error().Err(err).Str("experimentId", e.ID).Msg("Failed to reap experiment")
			continue
		}
		log.Warn().Str("experimentId", e.ID).Str("status", e.Status).Msg("Reaped stale experiment")
		n++
	}
	return n
}
