// Package worker executes spawn tasks off the request path. The control
// plane enqueues; this asynq handler drives the spawner and records the
// outcome so the proxy never waits on a container API.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/monitor"
	"workspace/internal/spawner"

	"github.com/hibiken/asynq"
)

type SpawnWorker struct {
	repo      appinstance.Repository
	process   spawner.Spawner
	container spawner.Spawner
	logger    *slog.Logger
}

func NewSpawnWorker(repo appinstance.Repository, process, container spawner.Spawner, logger *slog.Logger) *SpawnWorker {
	return &SpawnWorker{
		repo:      repo,
		process:   process,
		container: container,
		logger:    logger.With("component", "spawn-worker"),
	}
}

func (w *SpawnWorker) HandleSpawn(ctx context.Context, task *asynq.Task) error {
	var payload appinstance.SpawnPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("spawn payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := w.logger.With("instance_id", payload.InstanceID, "public_host", payload.PublicHost)

	inst, err := w.repo.GetByID(ctx, payload.InstanceID)
	if err != nil {
		logger.Warn("Instance vanished before spawn", "error", err)
		return nil
	}
	if inst.State != appinstance.StateSpawning {
		logger.Info("Instance no longer SPAWNING, dropping task", "state", inst.State)
		return nil
	}

	sp, err := spawner.Select(inst.Spawner, w.process, w.container)
	if err != nil {
		_ = w.repo.SetState(ctx, inst.ID, appinstance.StateStopped)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	start := time.Now()
	err = sp.Spawn(ctx, spawner.SpawnRequest{
		InstanceID: inst.ID,
		PublicHost: inst.PublicHost,
		UserEmail:  payload.UserEmail,
		UserSSOID:  payload.UserSSOID,
		Options:    inst.SpawnerOptions,
		CPU:        inst.CPU,
		Memory:     inst.Memory,
	})
	monitor.SpawnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.SpawnErrors.Inc()
		logger.Error("Spawn failed", "spawner", inst.Spawner, "error", err)
		// A retry would risk a second container for the same host; mark
		// STOPPED and let the next browser request re-create.
		_ = w.repo.SetState(ctx, inst.ID, appinstance.StateStopped)
		return fmt.Errorf("spawn %s: %v: %w", inst.PublicHost, err, asynq.SkipRetry)
	}

	logger.Info("Spawn completed", "spawner", inst.Spawner, "duration", time.Since(start).String())
	return nil
}
