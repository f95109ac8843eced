package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freeeve/bandit-arena/internal/arena"
	"github.com/freeeve/bandit-arena/internal/auth"
	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/freeeve/bandit-arena/internal/repository"
	"github.com/freeeve/bandit-arena/internal/service"
)

// --- Mock Repositories ---

type mockUserRepo struct {
	users map[string]*model.User
	seq   int
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*model.User)}
}

func (m *mockUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return u, nil
}

func (m *mockUserRepo) FindByProviderID(_ context.Context, provider, providerID string) (*model.User, error) {
	for _, u := range m.users {
		if u.Provider == provider && u.ProviderID == providerID {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) Upsert(_ context.Context, provider, providerID, displayName, avatarURL string) (*model.User, error) {
	for _, u := range m.users {
		if u.Provider == provider && u.ProviderID == providerID {
			u.DisplayName = displayName
			return u, nil
		}
	}
	m.seq++
	u := &model.User{
		ID:          fmt.Sprintf("user-%d", m.seq),
		Provider:    provider,
		ProviderID:  providerID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.users[u.ID] = u
	return u, nil
}

type mockExperimentRepo struct {
	mu          sync.Mutex
	experiments map[string]*model.Experiment
	results     map[string][]model.ExperimentResult
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
	for _, e := range m.experiments {
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
	for _, e := range m.experiments {
		if e.OwnerID == ownerID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockExperimentRepo) ListStale(context.Context, time.Time) ([]model.Experiment, error) {
	return nil, nil
}

func (m *mockExperimentRepo) SetStatus(_ context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s not found", id)
	}
	e.Status = status
	e.Error = errMsg
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

type mockCache struct {
	mu      sync.Mutex
	reports map[string]json.RawMessage
	locks   map[string]string
}

func newMockCache() *mockCache {
	return &mockCache{reports: make(map[string]json.RawMessage), locks: make(map[string]string)}
}

func (m *mockCache) GetReport(_ context.Context, fingerprint string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[fingerprint], nil
}

func (m *mockCache) SetReport(_ context.Context, fingerprint string, report json.RawMessage, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[fingerprint] = report
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

// --- Helpers ---

func reqWithUserID(method, path string, body string, userID string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	ctx := auth.WithUserID(req.Context(), userID)
	return req.WithContext(ctx)
}

func newTestExperimentHandler() (*ExperimentHandler, *service.ExperimentService, *mockExperimentRepo, *mockCache) {
	repo := newMockExperimentRepo()
	cache := newMockCache()
	svc := service.NewExperimentService(context.Background(), repo, cache, nil, service.Limits{
		MaxTrials:  50,
		MaxHorizon: 1000,
		CacheTTL:   time.Hour,
	})
	return NewExperimentHandler(svc), svc, repo, cache
}

const seededExperimentJSON = `{
	"name": "two arms",
	"arms": [{"kind": "bernoulli", "p": 0.2}, {"kind": "bernoulli", "p": 0.9}],
	"policies": [{"kind": "egreedy", "eps": 0.1}, {"kind": "ucb1"}],
	"trials": 5,
	"horizon": 200,
	"seed": 7
}`

// --- User Handler Tests ---

func TestGetMe(t *testing.T) {
	repo := newMockUserRepo()
	repo.users["user-1"] = &model.User{
		ID:          "user-1",
		DisplayName: "Alice",
		Provider:    "google",
	}
	exps := newMockExperimentRepo()
	exps.Create(context.Background(), repository.NewExperiment{Name: "a", OwnerID: "user-1"})
	done, _ := exps.Create(context.Background(), repository.NewExperiment{Name: "b", OwnerID: "user-1"})
	exps.SetStatus(context.Background(), done.ID, model.StatusFinished, "")
	exps.Create(context.Background(), repository.NewExperiment{Name: "c", OwnerID: "user-2"})
	h := NewUserHandler(repo, exps)

	req := reqWithUserID(http.MethodGet, "/users/me", "", "user-1")
	rec := httptest.NewRecorder()
	h.GetMe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		DisplayName string         `json:"display_name"`
		Experiments map[string]int `json:"experiments"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.DisplayName != "Alice" {
		t.Errorf("expected Alice, got %s", resp.DisplayName)
	}
	if resp.Experiments[model.StatusPending] != 1 || resp.Experiments[model.StatusFinished] != 1 {
		t.Errorf("unexpected experiment counts: %v", resp.Experiments)
	}
	if n, ok := resp.Experiments[model.StatusFailed]; !ok || n != 0 {
		t.Errorf("failed count should be reported as 0, got %v", resp.Experiments)
	}
}

func TestGetMeNotFound(t *testing.T) {
	repo := newMockUserRepo()
	h := NewUserHandler(repo, newMockExperimentRepo())

	req := reqWithUserID(http.MethodGet, "/users/me", "", "nonexistent")
	rec := httptest.NewRecorder()
	h.GetMe(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// --- Experiment Handler Tests ---

func TestCreateExperiment(t *testing.T) {
	h, svc, repo, _ := newTestExperimentHandler()

	req := reqWithUserID(http.MethodPost, "/experiments", seededExperimentJSON, "user-1")
	rec := httptest.NewRecorder()
	h.CreateExperiment(rec, req)
	svc.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var sub service.Submission
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Cached || sub.Experiment == nil {
		t.Fatalf("expected new experiment, got %+v", sub)
	}
	if sub.Experiment.OwnerID != "user-1" {
		t.Errorf("expected owner user-1, got %s", sub.Experiment.OwnerID)
	}
	if sub.Experiment.Seed != 7 {
		t.Errorf("expected seed 7, got %d", sub.Experiment.Seed)
	}
	stored, _ := repo.FindByID(context.Background(), sub.Experiment.ID)
	if stored.Status != model.StatusFinished {
		t.Errorf("expected finished, got %s", stored.Status)
	}
}

func TestCreateExperimentCachedSecondTime(t *testing.T) {
	h, svc, _, _ := newTestExperimentHandler()

	first := httptest.NewRecorder()
	h.CreateExperiment(first, reqWithUserID(http.MethodPost, "/experiments", seededExperimentJSON, "user-1"))
	svc.Wait()
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	h.CreateExperiment(second, reqWithUserID(http.MethodPost, "/experiments", seededExperimentJSON, "user-1"))
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for cached report, got %d: %s", second.Code, second.Body.String())
	}
	var sub service.Submission
	json.Unmarshal(second.Body.Bytes(), &sub)
	if !sub.Cached || len(sub.Report) == 0 {
		t.Errorf("expected cached report, got %+v", sub)
	}
}

func TestCreateExperimentYAML(t *testing.T) {
	h, svc, _, _ := newTestExperimentHandler()
	body := "name: yaml\narms:\n  - {kind: gaussian, mu: 0, sigma: 1}\n  - {kind: gaussian, mu: 1, sigma: 1}\npolicies:\n  - kind: gaussian-ts\ntrials: 2\nhorizon: 50\n"

	rec := httptest.NewRecorder()
	h.CreateExperiment(rec, reqWithUserID(http.MethodPost, "/experiments", body, "user-1"))
	svc.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateExperimentBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", "{not json", http.StatusBadRequest},
		{"unknown field", `{"arms":[{"kind":"bernoulli","p":0.5}],"policies":[{"kind":"ucb1"}],"bogus":1}`, http.StatusBadRequest},
		{"no policies", `{"arms":[{"kind":"bernoulli","p":0.5}]}`, http.StatusBadRequest},
		{"bad arm", `{"arms":[{"kind":"bernoulli","p":1.5}],"policies":[{"kind":"ucb1"}]}`, http.StatusBadRequest},
		{"unknown policy", `{"arms":[{"kind":"bernoulli","p":0.5}],"policies":[{"kind":"softmax"}]}`, http.StatusBadRequest},
		{"too many trials", `{"arms":[{"kind":"bernoulli","p":0.5}],"policies":[{"kind":"ucb1"}],"trials":5000}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc, _, _ := newTestExperimentHandler()
			rec := httptest.NewRecorder()
			h.CreateExperiment(rec, reqWithUserID(http.MethodPost, "/experiments", tt.body, "user-1"))
			svc.Wait()
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateExperimentAlreadyRunning(t *testing.T) {
	h, _, _, cache := newTestExperimentHandler()
	cfg, err := arena.ParseExperiment([]byte(seededExperimentJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Another instance is running the identical seeded experiment.
	cache.AcquireRunLock(context.Background(), arena.Fingerprint(cfg.WithDefaults()), "other", time.Hour)

	rec := httptest.NewRecorder()
	h.CreateExperiment(rec, reqWithUserID(http.MethodPost, "/experiments", seededExperimentJSON, "user-1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListExperimentsEmpty(t *testing.T) {
	h, _, _, _ := newTestExperimentHandler()

	rec := httptest.NewRecorder()
	h.ListExperiments(rec, reqWithUserID(http.MethodGet, "/experiments", "", "user-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected [], got %s", body)
	}
}

func TestGetExperimentAndResults(t *testing.T) {
	h, svc, _, _ := newTestExperimentHandler()

	rec := httptest.NewRecorder()
	h.CreateExperiment(rec, reqWithUserID(http.MethodPost, "/experiments", seededExperimentJSON, "user-1"))
	svc.Wait()
	var sub service.Submission
	json.Unmarshal(rec.Body.Bytes(), &sub)
	id := sub.Experiment.ID

	req := reqWithUserID(http.MethodGet, "/experiments/"+id, "", "user-1")
	req.SetPathValue("id", id)
	rec = httptest.NewRecorder()
	h.GetExperiment(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var exp model.Experiment
	json.Unmarshal(rec.Body.Bytes(), &exp)
	if exp.Status != model.StatusFinished || len(exp.Results) != 2 {
		t.Errorf("expected finished with 2 results, got %s with %d", exp.Status, len(exp.Results))
	}

	req = reqWithUserID(http.MethodGet, "/experiments/"+id+"/results", "", "user-1")
	req.SetPathValue("id", id)
	rec = httptest.NewRecorder()
	h.GetResults(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rows []model.ExperimentResult
	json.Unmarshal(rec.Body.Bytes(), &rows)
	if len(rows) != 2 {
		t.Fatalf("expected 2 result rows, got %d", len(rows))
	}
	if rows[0].Policy == "" || rows[0].Position != 0 || rows[1].Position != 1 {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestGetExperimentNotFound(t *testing.T) {
	h, _, _, _ := newTestExperimentHandler()

	req := reqWithUserID(http.MethodGet, "/experiments/nope", "", "user-1")
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	h.GetExperiment(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetExperimentOtherOwnerLooksMissing(t *testing.T) {
	h, svc, _, _ := newTestExperimentHandler()

	rec := httptest.NewRecorder()
	h.CreateExperiment(rec, reqWithUserID(http.MethodPost, "/experiments", seededExperimentJSON, "user-1"))
	svc.Wait()
	var sub service.Submission
	json.Unmarshal(rec.Body.Bytes(), &sub)

	req := reqWithUserID(http.MethodGet, "/experiments/"+sub.Experiment.ID+"/results", "", "user-2")
	req.SetPathValue("id", sub.Experiment.ID)
	rec = httptest.NewRecorder()
	h.GetResults(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// --- Auth Handler Tests ---

func TestRefreshTokenValid(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret")
	repo := newMockUserRepo()
	repo.users["user-1"] = &model.User{ID: "user-1"}
	h := NewAuthHandler(nil, jwtMgr, repo, false)

	refresh, _ := jwtMgr.GenerateRefreshToken("user-1")
	body := fmt.Sprintf(`{"refresh_token":"%s"}`, refresh)
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tokens auth.TokenPair
	json.Unmarshal(rec.Body.Bytes(), &tokens)
	if tokens.AccessToken == "" {
		t.Error("expected non-empty access token")
	}
}

func TestRefreshTokenRejectsAccessToken(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret")
	repo := newMockUserRepo()
	repo.users["user-1"] = &model.User{ID: "user-1"}
	h := NewAuthHandler(nil, jwtMgr, repo, false)

	access, _ := jwtMgr.GenerateAccessToken("user-1")
	body := fmt.Sprintf(`{"refresh_token":"%s"}`, access)
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(body)))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRefreshTokenUnknownUser(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret")
	h := NewAuthHandler(nil, jwtMgr, newMockUserRepo(), false)

	refresh, _ := jwtMgr.GenerateRefreshToken("ghost")
	body := fmt.Sprintf(`{"refresh_token":"%s"}`, refresh)
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(body)))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRefreshTokenInvalid(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret")
	repo := newMockUserRepo()
	h := NewAuthHandler(nil, jwtMgr, repo, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refresh_token":"invalid"}`))
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRefreshTokenBadBody(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret")
	repo := newMockUserRepo()
	h := NewAuthHandler(nil, jwtMgr, repo, false)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	h.RefreshToken(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDevLogin(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret")

	off := NewAuthHandler(nil, jwtMgr, newMockUserRepo(), false)
	rec := httptest.NewRecorder()
	off.DevLogin(rec, httptest.NewRequest(http.MethodPost, "/auth/dev?name=alice", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 outside dev mode, got %d", rec.Code)
	}

	repo := newMockUserRepo()
	on := NewAuthHandler(nil, jwtMgr, repo, true)
	rec = httptest.NewRecorder()
	on.DevLogin(rec, httptest.NewRequest(http.MethodPost, "/auth/dev?name=alice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 in dev mode, got %d", rec.Code)
	}
	u, _ := repo.FindByProviderID(context.Background(), "dev", "dev-alice")
	if u == nil || u.DisplayName != "alice" {
		t.Errorf("expected dev user alice, got %+v", u)
	}
}

func TestGoogleLoginNotConfigured(t *testing.T) {
	h := NewAuthHandler(nil, auth.NewJWTManager("test-secret"), newMockUserRepo(), false)
	rec := httptest.NewRecorder()
	h.GoogleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGoogleCallbackStateMismatch(t *testing.T) {
	google := auth.NewGoogleOAuth("id", "secret", "http://localhost/callback")
	h := NewAuthHandler(google, auth.NewJWTManager("test-secret"), newMockUserRepo(), false)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "real"})
	rec := httptest.NewRecorder()
	h.GoogleCallback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
