package controlplane_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/controlplane"
	"workspace/internal/spawner"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
)

// fakeRepo is an in-memory Repository enforcing the same single-live-slot
// and state-edge rules as the postgres implementation.
type fakeRepo struct {
	mu        sync.Mutex
	instances map[string]*appinstance.Instance
	templates map[string]*appinstance.Template
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		instances: map[string]*appinstance.Instance{},
		templates: map[string]*appinstance.Template{
			"rstudio": {
				ID:      "tpl-1",
				Name:    "rstudio",
				Kind:    appinstance.KindTool,
				Spawner: "process",
			},
		},
	}
}

func (f *fakeRepo) Create(ctx context.Context, inst *appinstance.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.instances {
		if other.PublicHost == inst.PublicHost && other.State.IsLive() {
			return appinstance.ErrConflict
		}
	}
	cp := *inst
	f.instances[inst.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*appinstance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, appinstance.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeRepo) GetByHost(ctx context.Context, publicHost string) (*appinstance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *appinstance.Instance
	for _, inst := range f.instances {
		if inst.PublicHost != publicHost {
			continue
		}
		if latest == nil || inst.CreatedAt.After(latest.CreatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, appinstance.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRepo) ListByState(ctx context.Context, states []appinstance.State) ([]*appinstance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*appinstance.Instance
	for _, inst := range f.instances {
		for _, s := range states {
			if inst.State == s {
				cp := *inst
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) SetState(ctx context.Context, id string, state appinstance.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return appinstance.ErrNotFound
	}
	if state == appinstance.StateRunning && inst.State != appinstance.StateSpawning {
		return appinstance.ErrBadTransition
	}
	inst.State = state
	if state == appinstance.StateStopped {
		inst.StoppedAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) SetSpawnerInstanceID(ctx context.Context, id, blob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.SpawnerInstanceID = blob
	}
	return nil
}

func (f *fakeRepo) SetProxyURL(ctx context.Context, id, proxyURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.ProxyURL = proxyURL
	}
	return nil
}

func (f *fakeRepo) GetTemplate(ctx context.Context, name string) (*appinstance.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[name]
	if !ok {
		return nil, appinstance.ErrNotFound
	}
	cp := *tpl
	return &cp, nil
}

// fakeSpawner reports a fixed state and records stops.
type fakeSpawner struct {
	tag     spawner.Tag
	state   appinstance.State
	stopped []string
}

func (f *fakeSpawner) Tag() spawner.Tag { return f.tag }
func (f *fakeSpawner) Spawn(ctx context.Context, req spawner.SpawnRequest) error {
	return nil
}
func (f *fakeSpawner) State(ctx context.Context, options json.RawMessage, createdAt time.Time, spawnerInstanceID, proxyURL string) (appinstance.State, error) {
	return f.state, nil
}
func (f *fakeSpawner) Stop(ctx context.Context, options json.RawMessage, spawnerInstanceID string) error {
	f.stopped = append(f.stopped, spawnerInstanceID)
	return nil
}
func (f *fakeSpawner) CanStop(options json.RawMessage, spawnerInstanceID string) bool {
	return spawnerInstanceID != ""
}

type harness struct {
	repo    *fakeRepo
	process *fakeSpawner
	router  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { queue.Close() })

	repo := newFakeRepo()
	process := &fakeSpawner{tag: spawner.TagProcess, state: appinstance.StateRunning}
	container := &fakeSpawner{tag: spawner.TagContainer, state: appinstance.StateRunning}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := controlplane.NewApplicationHandler(repo, queue, process, container, logger)
	return &harness{repo: repo, process: process, router: controlplane.NewRouter(handler)}
}

func (h *harness) do(t *testing.T, method, path, ssoID, email string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if ssoID != "" {
		req.Header.Set("sso-profile-user-id", ssoID)
		req.Header.Set("sso-profile-email", email)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func hostFor(ssoID string) string {
	return "rstudio-" + appinstance.UserHash(ssoID)
}

func TestPutCreatesSpawningInstance(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")

	rec := h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp controlplane.InstanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != appinstance.StateSpawning {
		t.Errorf("state = %v, want SPAWNING", resp.State)
	}

	inst, err := h.repo.GetByHost(context.Background(), host)
	if err != nil {
		t.Fatalf("instance not persisted: %v", err)
	}
	if inst.OwnerSSOID != "user-1" || inst.Spawner != "process" {
		t.Errorf("unexpected instance: %+v", inst)
	}
}

func TestPutConflictsWhileLive(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")

	if rec := h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", ""); rec.Code != http.StatusOK {
		t.Fatalf("first PUT: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", ""); rec.Code != http.StatusConflict {
		t.Errorf("second PUT status = %d, want 409", rec.Code)
	}
}

func TestPutRejectsForeignHash(t *testing.T) {
	h := newHarness(t)
	// user-2 tries to claim user-1's host label.
	rec := h.do(t, http.MethodPut, "/api/v1/application/"+hostFor("user-1"), "user-2", "u2@example.com", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestPutUnknownTemplate(t *testing.T) {
	h := newHarness(t)
	host := "missingtool-" + appinstance.UserHash("user-1")
	rec := h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPatchPromotesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")
	h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")

	rec := h.do(t, http.MethodPatch, "/api/v1/application/"+host, "user-1", "u1@example.com", `{"state":"RUNNING"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, body = %s", rec.Code, rec.Body.String())
	}
	inst, _ := h.repo.GetByHost(context.Background(), host)
	if inst.State != appinstance.StateRunning {
		t.Fatalf("state = %v, want RUNNING", inst.State)
	}

	// Second PATCH is a no-op, not an error.
	if rec := h.do(t, http.MethodPatch, "/api/v1/application/"+host, "user-1", "u1@example.com", `{"state":"RUNNING"}`); rec.Code != http.StatusOK {
		t.Errorf("repeat PATCH status = %d, want 200", rec.Code)
	}
}

func TestPatchRejectsBackwardEdge(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")
	h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")

	rec := h.do(t, http.MethodPatch, "/api/v1/application/"+host, "user-1", "u1@example.com", `{"state":"SPAWNING"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PATCH to SPAWNING status = %d, want 400", rec.Code)
	}
}

func TestDeleteStopsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")
	h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")

	inst, _ := h.repo.GetByHost(context.Background(), host)
	h.repo.SetSpawnerInstanceID(context.Background(), inst.ID, `{"pid":42}`)

	if rec := h.do(t, http.MethodDelete, "/api/v1/application/"+host, "user-1", "u1@example.com", ""); rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", rec.Code)
	}
	inst, _ = h.repo.GetByHost(context.Background(), host)
	if inst.State != appinstance.StateStopped {
		t.Errorf("state = %v, want STOPPED", inst.State)
	}
	if len(h.process.stopped) != 1 {
		t.Errorf("spawner stops = %d, want 1", len(h.process.stopped))
	}

	// Absent and already-stopped deletes both succeed.
	if rec := h.do(t, http.MethodDelete, "/api/v1/application/"+host, "user-1", "u1@example.com", ""); rec.Code != http.StatusOK {
		t.Errorf("repeat DELETE status = %d, want 200", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/v1/application/rstudio-00000000", "user-1", "u1@example.com", ""); rec.Code != http.StatusForbidden && rec.Code != http.StatusOK {
		t.Errorf("absent DELETE status = %d", rec.Code)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")
	h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")

	if rec := h.do(t, http.MethodGet, "/api/v1/application/"+host, "user-2", "u2@example.com", ""); rec.Code != http.StatusForbidden {
		t.Errorf("foreign GET status = %d, want 403", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/application/"+host, "user-1", "u1@example.com", ""); rec.Code != http.StatusOK {
		t.Errorf("owner GET status = %d, want 200", rec.Code)
	}
}

func TestGetConvergesDeadSpawn(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")
	h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")
	h.process.state = appinstance.StateStopped

	rec := h.do(t, http.MethodGet, "/api/v1/application/"+host, "user-1", "u1@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var resp controlplane.InstanceResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.State != appinstance.StateStopped {
		t.Errorf("state = %v, want STOPPED after dead probe", resp.State)
	}
	inst, _ := h.repo.GetByHost(context.Background(), host)
	if inst.State != appinstance.StateStopped {
		t.Error("death must be persisted")
	}
}

func TestListReturnsRunningOnly(t *testing.T) {
	h := newHarness(t)
	host := hostFor("user-1")
	h.do(t, http.MethodPut, "/api/v1/application/"+host, "user-1", "u1@example.com", "")

	rec := h.do(t, http.MethodGet, "/api/v1/application", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp controlplane.DiscoveryResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Applications) != 0 {
		t.Fatalf("SPAWNING instance leaked into discovery: %+v", resp.Applications)
	}

	h.do(t, http.MethodPatch, "/api/v1/application/"+host, "user-1", "u1@example.com", `{"state":"RUNNING"}`)
	rec = h.do(t, http.MethodGet, "/api/v1/application", "", "", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Applications) != 1 || resp.Applications[0].Name != host {
		t.Errorf("discovery = %+v, want one entry for %s", resp.Applications, host)
	}
}
