// Package reaper stops RUNNING instances that nobody has touched for a
// while. Races with live traffic are fine: stop is idempotent and the
// proxy re-creates on the next request.
package reaper

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/monitor"
	"workspace/internal/spawner"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

type Reaper struct {
	repo      appinstance.Repository
	cache     redis.Cmdable
	process   spawner.Spawner
	container spawner.Spawner
	config    Config
	logger    *slog.Logger
	stopCh    chan struct{}
	now       func() time.Time
}

func New(repo appinstance.Repository, cache redis.Cmdable, process, container spawner.Spawner, config Config, logger *slog.Logger) *Reaper {
	return &Reaper{
		repo:      repo,
		cache:     cache,
		process:   process,
		container: container,
		config:    config,
		logger:    logger.With("component", "reaper"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs the reap loop; call in a goroutine.
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		"interval", r.config.Interval,
		"idle_timeout", r.config.IdleTimeout,
	)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *Reaper) Reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	running, err := r.repo.ListByState(ctx, []appinstance.State{appinstance.StateRunning})
	if err != nil {
		r.logger.Error("Failed to list running instances", "error", err)
		return
	}

	reaped := 0
	for _, inst := range running {
		if !r.isIdle(ctx, inst) {
			continue
		}

		sp, err := spawner.Select(inst.Spawner, r.process, r.container)
		if err != nil {
			r.logger.Error("Unknown spawner on instance", "instance_id", inst.ID, "spawner", inst.Spawner)
			continue
		}
		if !sp.CanStop(inst.SpawnerOptions, inst.SpawnerInstanceID) {
			continue
		}

		r.logger.Info("Reaping idle instance",
			"instance_id", inst.ID,
			"public_host", inst.PublicHost,
		)
		if err := sp.Stop(ctx, inst.SpawnerOptions, inst.SpawnerInstanceID); err != nil {
			r.logger.Error("Failed to stop idle instance", "instance_id", inst.ID, "error", err)
			continue
		}
		if err := r.repo.SetState(ctx, inst.ID, appinstance.StateStopped); err != nil {
			r.logger.Error("Failed to mark reaped instance stopped", "instance_id", inst.ID, "error", err)
			continue
		}
		monitor.ReapedInstances.Inc()
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("Reap pass completed", "reaped", reaped)
	}
}

// isIdle reads the proxy's last-activity signal; instances that never saw
// traffic age from their creation time.
func (r *Reaper) isIdle(ctx context.Context, inst *appinstance.Instance) bool {
	last := inst.CreatedAt
	raw, err := r.cache.Get(ctx, appinstance.ActivityKey(inst.PublicHost)).Result()
	if err == nil {
		if unix, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			last = time.Unix(unix, 0)
		}
	} else if err != redis.Nil {
		r.logger.Error("Activity read failed", "public_host", inst.PublicHost, "error", err)
		return false
	}
	return r.now().Sub(last) > r.config.IdleTimeout
}
