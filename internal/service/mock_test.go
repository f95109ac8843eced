package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
)

type mockExperimentRepo struct {
	mu          sync.Mutex
	experiments map[string]*model.Experiment
	results     map[string][]model.ExperimentResult
	order       []string
}

func newMockExperimentRepo() *mockExperimentRepo {
	return &mockExperimentRepo{
		experiments: make(map[string]*model.Experiment),
		results:     make(map[string][]model.ExperimentResult),
	}
}

func (m *mockExperimentRepo) Create(_ context.Context, exp repository.NewExperiment) (*model.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &model.Experiment{
		ID:          fmt.Sprintf("exp-%d", len(m.experiments)+1),
		Name:        exp.Name,
		OwnerID:     exp.OwnerID,
		Status:      model.StatusPending,
		Fingerprint: exp.Fingerprint,
		Config:      exp.Config,
		Trials:      exp.Trials,
		Horizon:     exp.Horizon,
		Seed:        exp.Seed,
		CreatedAt:   time.Now(),
	}
	m.experiments[e.ID] = e
	m.order = append(m.order, e.ID)
	cp := *e
	return &cp, nil
}

func (m *mockExperimentRepo) FindByID(_ context.Context, id string) (*model.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *mockExperimentRepo) FindFinishedByFingerprint(_ context.Context, fingerprint string) (*model.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.experiments[m.order[i]]
		if e.Fingerprint == fingerprint && e.Status == model.StatusFinished {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockExperimentRepo) ListByOwner(_ context.Context, ownerID string) ([]model.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Experiment
	for i := len(m.order) - 1; i >= 0; i-- {
		if e := m.experiments[m.order[i]]; e.OwnerID == ownerID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockExperimentRepo) ListStale(_ context.Context, cutoff time.Time) ([]model.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Experiment
	for _, id := range m.order {
		e := m.experiments[id]
		if (e.Status == model.StatusPending || e.Status == model.StatusRunning) && e.CreatedAt.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockExperimentRepo) SetStatus(_ context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s not found", id)
	}
	now := time.Now()
	e.Status = status
	switch status {
	case model.StatusRunning:
		e.StartedAt = &now
	case model.StatusFinished, model.StatusFailed:
		e.FinishedAt = &now
		e.Error = errMsg
	}
	return nil
}

func (m *mockExperimentRepo) SaveResults(_ context.Context, id string, results []model.ExperimentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = append(m.results[id], results...)
	return nil
}

func (m *mockExperimentRepo) Results(_ context.Context, id string) ([]model.ExperimentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[id], nil
}

func (m *mockExperimentRepo) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.experiments[id].Status
}

type mockCache struct {
	mu      sync.Mutex
	reports map[string]json.RawMessage
	ttls    map[string]time.Duration
	locks   map[string]string
}

func newMockCache() *mockCache {
	return &mockCache{
		reports: make(map[string]json.RawMessage),
		ttls:    make(map[string]time.Duration),
		locks:   make(map[string]string),
	}
}

func (m *mockCache) GetReport(_ context.Context, fingerprint string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[fingerprint], nil
}

func (m *mockCache) SetReport(_ context.Context, fingerprint string, report json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[fingerprint] = report
	m.ttls[fingerprint] = ttl
	return nil
}

func (m *mockCache) AcquireRunLock(_ context.Context, fingerprint, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[fingerprint]; held {
		return false, nil
	}
	m.locks[fingerprint] = owner
	return true, nil
}

func (m *mockCache) ReleaseRunLock(_ context.Context, fingerprint, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[fingerprint] == owner {
		delete(m.locks, fingerprint)
	}
	return nil
}

func (m *mockCache) report(fingerprint string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[fingerprint]
}

type broadcastEvent struct {
	experimentID string
	eventType    string
	data         any
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (m *mockBroadcaster) BroadcastExperimentEvent(experimentID, eventType string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastEvent{experimentID, eventType, data})
}

func (m *mockBroadcaster) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}
