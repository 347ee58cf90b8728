package repo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"workspace/internal/appinstance"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestGetByHostServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	// No database behind the repository: a cache hit must answer alone.
	r := NewRepository(nil, cache)

	inst := &appinstance.Instance{
		ID:         "inst-1",
		PublicHost: "rstudio-a1b2c3d4",
		State:      appinstance.StateRunning,
		ProxyURL:   "http://10.0.0.5:8080",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	b, err := json.Marshal(inst)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx := context.Background()
	if err := cache.Set(ctx, instanceCacheKey(inst.PublicHost), b, instanceCacheTTL).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	got, err := r.GetByHost(ctx, inst.PublicHost)
	if err != nil {
		t.Fatalf("GetByHost: %v", err)
	}
	if got.ID != inst.ID || got.State != inst.State || got.ProxyURL != inst.ProxyURL {
		t.Fatalf("cached instance mismatch: got %+v", got)
	}
}

func TestInstanceCacheEntryExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	ctx := context.Background()
	key := instanceCacheKey("rstudio-a1b2c3d4")
	if err := cache.Set(ctx, key, []byte(`{}`), instanceCacheTTL).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// A reaped instance may be served stale from the cache for at most one
	// TTL before readers fall through to the database again.
	mr.FastForward(instanceCacheTTL + time.Second)
	if n := cache.Exists(ctx, key).Val(); n != 0 {
		t.Fatalf("cache entry still present after TTL")
	}
}
