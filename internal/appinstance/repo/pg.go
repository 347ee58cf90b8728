package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"workspace/internal/appinstance"

	"github.com/go-pg/pg/v10"
	"github.com/redis/go-redis/v9"
)

var _ appinstance.Repository = (*Repository)(nil)

type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

func (r *Repository) Create(ctx context.Context, inst *appinstance.Instance) error {
	host := inst.PublicHost
	model := &InstanceModel{
		ID:                      inst.ID,
		OwnerSSOID:              inst.OwnerSSOID,
		OwnerEmail:              inst.OwnerEmail,
		PublicHost:              inst.PublicHost,
		TemplateName:            inst.TemplateName,
		Spawner:                 inst.Spawner,
		SpawnerOptions:          inst.SpawnerOptions,
		State:                   inst.State,
		CPU:                     inst.CPU,
		Memory:                  inst.Memory,
		CommitID:                inst.CommitID,
		CreatedAt:               inst.CreatedAt,
		SingleRunningOrSpawning: &host,
	}

	_, err := r.db.ModelContext(ctx, model).Insert()
	if err != nil {
		var pgErr pg.Error
		if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
			return appinstance.ErrConflict
		}
		return err
	}

	r.invalidate(ctx, inst.PublicHost)
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*appinstance.Instance, error) {
	model := &InstanceModel{ID: id}
	err := r.db.ModelContext(ctx, model).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, appinstance.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toInstance(model), nil
}

// GetByHost returns the most recent instance for a public_host. Stopped
// instances remain visible so DELETE stays idempotent and the proxy can
// tell "stopped" from "never existed".
func (r *Repository) GetByHost(ctx context.Context, publicHost string) (*appinstance.Instance, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, instanceCacheKey(publicHost)).Result()
		if err == nil {
			var cached appinstance.Instance
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return &cached, nil
			}
		}
	}

	model := &InstanceModel{}
	err := r.db.ModelContext(ctx, model).
		Where("public_host = ?", publicHost).
		Order("created_at DESC").
		Limit(1).
		Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, appinstance.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inst := toInstance(model)
	if r.redis != nil {
		if b, err := json.Marshal(inst); err == nil {
			_ = r.redis.Set(ctx, instanceCacheKey(publicHost), b, instanceCacheTTL).Err()
		}
	}
	return inst, nil
}

func (r *Repository) ListByState(ctx context.Context, states []appinstance.State) ([]*appinstance.Instance, error) {
	var models []InstanceModel
	err := r.db.ModelContext(ctx, &models).
		Where("state IN (?)", pg.In(states)).
		Order("created_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	instances := make([]*appinstance.Instance, 0, len(models))
	for i := range models {
		instances = append(instances, toInstance(&models[i]))
	}
	return instances, nil
}

func (r *Repository) SetState(ctx context.Context, id string, state appinstance.State) error {
	switch state {
	case appinstance.StateRunning:
		res, err := r.db.ModelContext(ctx, &InstanceModel{}).
			Set("state = ?", appinstance.StateRunning).
			Where("id = ?", id).
			Where("state = ?", appinstance.StateSpawning).
			Update()
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return appinstance.ErrBadTransition
		}
	case appinstance.StateStopped:
		// Idempotent: stopping a stopped instance is a no-op.
		_, err := r.db.ModelContext(ctx, &InstanceModel{}).
			Set("state = ?", appinstance.StateStopped).
			Set("single_running_or_spawning = NULL").
			Set("stopped_at = ?", time.Now()).
			Where("id = ?", id).
			Where("state != ?", appinstance.StateStopped).
			Update()
		if err != nil {
			return err
		}
	default:
		return appinstance.ErrBadTransition
	}

	r.invalidateByID(ctx, id)
	return nil
}

func (r *Repository) SetSpawnerInstanceID(ctx context.Context, id, blob string) error {
	_, err := r.db.ModelContext(ctx, &InstanceModel{}).
		Set("spawner_instance_id = ?", blob).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *Repository) SetProxyURL(ctx context.Context, id, proxyURL string) error {
	_, err := r.db.ModelContext(ctx, &InstanceModel{}).
		Set("proxy_url = ?", proxyURL).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *Repository) GetTemplate(ctx context.Context, name string) (*appinstance.Template, error) {
	model := &TemplateModel{}
	err := r.db.ModelContext(ctx, model).Where("name = ?", name).Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, appinstance.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toTemplate(model), nil
}

func (r *Repository) invalidate(ctx context.Context, publicHost string) {
	if r.redis != nil {
		_ = r.redis.Del(ctx, instanceCacheKey(publicHost)).Err()
	}
}

func (r *Repository) invalidateByID(ctx context.Context, id string) {
	if r.redis == nil {
		return
	}
	model := &InstanceModel{ID: id}
	if err := r.db.ModelContext(ctx, model).WherePK().Column("public_host").Select(); err == nil {
		r.invalidate(ctx, model.PublicHost)
	}
}
