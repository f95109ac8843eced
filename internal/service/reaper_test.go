package service

import (
	"context"
	"testing"
	"time"

	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
)

func TestReaperFailsStaleExperiments(t *testing.T) {
	repo := newMockExperimentRepo()
	ctx := context.Background()

	stale, _ := repo.Create(ctx, repository.NewExperiment{Name: "stuck", OwnerID: "u"})
	fresh, _ := repo.Create(ctx, repository.NewExperiment{Name: "new", OwnerID: "u"})
	done, _ := repo.Create(ctx, repository.NewExperiment{Name: "done", OwnerID: "u"})
	repo.SetStatus(ctx, done.ID, model.StatusFinished, "")

	old := time.Now().Add(-2 * time.Hour)
	repo.experiments[stale.ID].CreatedAt = old
	repo.experiments[done.ID].CreatedAt = old
	repo.SetStatus(ctx, stale.ID, model.StatusRunning, "")

	r := NewReaper(repo, time.Hour, time.Minute)
	if n := r.Reap(ctx); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if got := repo.status(stale.ID); got != model.StatusFailed {
		t.Errorf("stale status = %s", got)
	}
	if repo.experiments[stale.ID].Error == "" {
		t.Error("reaped experiment has no error message")
	}
	if got := repo.status(fresh.ID); got != model.StatusPending {
		t.Errorf("fresh status = %s", got)
	}
	if got := repo.status(done.ID); got != model.StatusFinished {
		t.Errorf("finished status = %s", got)
	}

	if n := r.Reap(ctx); n != 0 {
		t.Errorf("second pass reaped %d", n)
	}
}

func TestReaperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReaper(newMockExperimentRepo(), time.Hour, time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
