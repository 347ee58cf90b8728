package repo

import (
	"encoding/json"
	"time"

	"workspace/internal/appinstance"
)

// A cached instance can lag the database by up to one TTL, so a reaped
// host may briefly still look RUNNING at the proxy. Keep the window short.
const instanceCacheTTL = 5 * time.Second

type InstanceModel struct {
	ID                string            `pg:"id,pk"`
	OwnerSSOID        string            `pg:"owner_sso_id,notnull"`
	OwnerEmail        string            `pg:"owner_email,notnull"`
	PublicHost        string            `pg:"public_host,notnull"`
	TemplateName      string            `pg:"template_name,notnull"`
	Spawner           string            `pg:"spawner,notnull"`
	SpawnerOptions    json.RawMessage   `pg:"spawner_options"`
	SpawnerInstanceID string            `pg:"spawner_instance_id"`
	State             appinstance.State `pg:"state,notnull"`
	ProxyURL          string            `pg:"proxy_url"`
	CPU               int               `pg:"cpu,use_zero"`
	Memory            int               `pg:"memory,use_zero"`
	CommitID          string            `pg:"commit_id"`
	CreatedAt         time.Time         `pg:"created_at,notnull"`
	StoppedAt         time.Time         `pg:"stopped_at"`

	// SingleRunningOrSpawning mirrors PublicHost while the instance is
	// SPAWNING or RUNNING and is NULL once STOPPED. The unique index makes
	// concurrent PUTs for the same host resolve to one winner.
	SingleRunningOrSpawning *string `pg:"single_running_or_spawning,unique"`
}

type TemplateModel struct {
	ID              string                   `pg:"id,pk"`
	Name            string                   `pg:"name,notnull,unique"`
	Kind            appinstance.TemplateKind `pg:"kind,notnull"`
	Spawner         string                   `pg:"spawner,notnull"`
	SpawnerOptions  json.RawMessage          `pg:"spawner_options"`
	DefaultCPU      int                      `pg:"default_cpu,use_zero"`
	DefaultMemory   int                      `pg:"default_memory,use_zero"`
	GitlabProjectID int                      `pg:"gitlab_project_id,use_zero"`
	Visible         bool                     `pg:"visible,use_zero"`
}

func instanceCacheKey(publicHost string) string {
	return "application:" + publicHost + ":instance"
}

func toInstance(m *InstanceModel) *appinstance.Instance {
	return &appinstance.Instance{
		ID:                m.ID,
		OwnerSSOID:        m.OwnerSSOID,
		OwnerEmail:        m.OwnerEmail,
		PublicHost:        m.PublicHost,
		TemplateName:      m.TemplateName,
		Spawner:           m.Spawner,
		SpawnerOptions:    m.SpawnerOptions,
		SpawnerInstanceID: m.SpawnerInstanceID,
		State:             m.State,
		ProxyURL:          m.ProxyURL,
		CPU:               m.CPU,
		Memory:            m.Memory,
		CommitID:          m.CommitID,
		CreatedAt:         m.CreatedAt,
		StoppedAt:         m.StoppedAt,
	}
}

func toTemplate(m *TemplateModel) *appinstance.Template {
	return &appinstance.Template{
		ID:              m.ID,
		Name:            m.Name,
		Kind:            m.Kind,
		Spawner:         m.Spawner,
		SpawnerOptions:  m.SpawnerOptions,
		DefaultCPU:      m.DefaultCPU,
		DefaultMemory:   m.DefaultMemory,
		GitlabProjectID: m.GitlabProjectID,
		Visible:         m.Visible,
	}
}
