package reaper_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/reaper"
	"workspace/internal/spawner"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeRepo struct {
	mu        sync.Mutex
	instances map[string]*appinstance.Instance
}

func (f *fakeRepo) Create(ctx context.Context, inst *appinstance.Instance) error { return nil }
func (f *fakeRepo) GetByID(ctx context.Context, id string) (*appinstance.Instance, error) {
	return nil, appinstance.ErrNotFound
}
func (f *fakeRepo) GetByHost(ctx context.Context, publicHost string) (*appinstance.Instance, error) {
	return nil, appinstance.ErrNotFound
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
	if inst, ok := f.instances[id]; ok {
		inst.State = state
	}
	return nil
}
func (f *fakeRepo) SetSpawnerInstanceID(ctx context.Context, id, blob string) error { return nil }
func (f *fakeRepo) SetProxyURL(ctx context.Context, id, proxyURL string) error      { return nil }
func (f *fakeRepo) GetTemplate(ctx context.Context, name string) (*appinstance.Template, error) {
	return nil, appinstance.ErrNotFound
}

type fakeSpawner struct {
	mu      sync.Mutex
	tag     spawner.Tag
	stopped []string
}

func (f *fakeSpawner) Tag() spawner.Tag                                       { return f.tag }
func (f *fakeSpawner) Spawn(ctx context.Context, req spawner.SpawnRequest) error { return nil }
func (f *fakeSpawner) State(ctx context.Context, options json.RawMessage, createdAt time.Time, spawnerInstanceID, proxyURL string) (appinstance.State, error) {
	return appinstance.StateRunning, nil
}
func (f *fakeSpawner) Stop(ctx context.Context, options json.RawMessage, spawnerInstanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, spawnerInstanceID)
	return nil
}
func (f *fakeSpawner) CanStop(options json.RawMessage, spawnerInstanceID string) bool {
	return spawnerInstanceID != ""
}

func (f *fakeSpawner) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func runningInstance(id, host string, createdAt time.Time) *appinstance.Instance {
	return &appinstance.Instance{
		ID:                id,
		PublicHost:        host,
		Spawner:           "process",
		SpawnerInstanceID: `{"pid":42}`,
		State:             appinstance.StateRunning,
		CreatedAt:         createdAt,
	}
}

func TestReapStopsIdleInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	repo := &fakeRepo{instances: map[string]*appinstance.Instance{
		"idle":   runningInstance("idle", "rstudio-a1b2c3d4", time.Now().Add(-3*time.Hour)),
		"active": runningInstance("active", "jupyter-a1b2c3d4", time.Now().Add(-3*time.Hour)),
		"young":  runningInstance("young", "superset-a1b2c3d4", time.Now().Add(-10*time.Minute)),
	}}

	// Fresh proxy traffic on the active instance.
	cache.Set(context.Background(), appinstance.ActivityKey("jupyter-a1b2c3d4"),
		strconv.FormatInt(time.Now().Unix(), 10), 0)

	process := &fakeSpawner{tag: spawner.TagProcess}
	container := &fakeSpawner{tag: spawner.TagContainer}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := reaper.New(repo, cache, process, container, reaper.Config{
		Interval:    time.Minute,
		IdleTimeout: 2 * time.Hour,
	}, logger)
	r.Reap()

	if got := process.stopCount(); got != 1 {
		t.Fatalf("stopped %d instances, want 1", got)
	}
	if repo.instances["idle"].State != appinstance.StateStopped {
		t.Error("idle instance must be STOPPED")
	}
	if repo.instances["active"].State != appinstance.StateRunning {
		t.Error("recently active instance must be spared")
	}
	if repo.instances["young"].State != appinstance.StateRunning {
		t.Error("young instance must be spared")
	}
}

func TestReapSkipsUnstoppableInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	// No spawner instance id yet: the backend cannot be addressed, so the
	// reaper must leave it alone rather than orphan a container mid-spawn.
	inst := runningInstance("pending", "rstudio-a1b2c3d4", time.Now().Add(-3*time.Hour))
	inst.SpawnerInstanceID = ""
	repo := &fakeRepo{instances: map[string]*appinstance.Instance{"pending": inst}}

	process := &fakeSpawner{tag: spawner.TagProcess}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := reaper.New(repo, cache, process, &fakeSpawner{tag: spawner.TagContainer}, reaper.Config{
		Interval:    time.Minute,
		IdleTimeout: 2 * time.Hour,
	}, logger)
	r.Reap()

	if process.stopCount() != 0 {
		t.Error("unstoppable instance must not be stopped")
	}
	if repo.instances["pending"].State != appinstance.StateRunning {
		t.Error("unstoppable instance must keep its state")
	}
}
