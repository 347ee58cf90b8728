package appinstance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type State string

const (
	StateSpawning State = "SPAWNING"
	StateRunning  State = "RUNNING"
	StateStopped  State = "STOPPED"
)

// IsLive reports whether the state still owns its public_host slot.
func (s State) IsLive() bool {
	return s == StateSpawning || s == StateRunning
}

type TemplateKind string

const (
	KindTool          TemplateKind = "tool"
	KindVisualisation TemplateKind = "visualisation"
)

var templateNameRe = regexp.MustCompile(`^[a-z]+$`)

// Template is the blueprint for a kind of application ("rstudio",
// "jupyter", ...). Name doubles as the host basename, so it is restricted
// to lowercase letters.
type Template struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Kind            TemplateKind    `json:"kind"`
	Spawner         string          `json:"spawner"`
	SpawnerOptions  json.RawMessage `json:"spawner_options"`
	DefaultCPU      int             `json:"default_cpu"`
	DefaultMemory   int             `json:"default_memory"`
	GitlabProjectID int             `json:"gitlab_project_id,omitempty"`
	Visible         bool            `json:"visible"`
}

func (t *Template) Validate() error {
	if !templateNameRe.MatchString(t.Name) {
		return fmt.Errorf("template name %q must match ^[a-z]+$", t.Name)
	}
	return nil
}

// Instance is one running (or transient) materialization of a template,
// keyed by the public_host label the browser used.
type Instance struct {
	ID                string          `json:"id"`
	OwnerSSOID        string          `json:"owner_sso_id"`
	OwnerEmail        string          `json:"owner_email"`
	PublicHost        string          `json:"public_host"`
	TemplateName      string          `json:"template_name"`
	Spawner           string          `json:"spawner"`
	SpawnerOptions    json.RawMessage `json:"spawner_options"`
	SpawnerInstanceID string          `json:"spawner_instance_id"`
	State             State           `json:"state"`
	ProxyURL          string          `json:"proxy_url"`
	CPU               int             `json:"cpu"`
	Memory            int             `json:"memory"`
	CommitID          string          `json:"commit_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StoppedAt         time.Time       `json:"stopped_at,omitzero"`
}

// UserHash derives the owner hash embedded in app host labels from the SSO
// user id.
func UserHash(ssoID string) string {
	sum := sha256.Sum256([]byte(ssoID))
	return hex.EncodeToString(sum[:])[:8]
}

var ErrBadPublicHost = errors.New("malformed public host")

// SplitPublicHost splits "<template>-<userhash>" on the first dash.
// Template names contain only lowercase letters, so the first dash is
// unambiguous.
func SplitPublicHost(publicHost string) (templateName, userHash string, err error) {
	name, hash, ok := strings.Cut(publicHost, "-")
	if !ok || name == "" || hash == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadPublicHost, publicHost)
	}
	return name, hash, nil
}

// ActivityKey is the redis key the proxy touches on every proxied
// response and the reaper reads to judge idleness.
func ActivityKey(publicHost string) string {
	return "activity:" + publicHost
}

const SpawnTask = "application:spawn"

// SpawnPayload is the asynq task body that hands an instance to the
// spawn worker.
type SpawnPayload struct {
	InstanceID string `json:"instance_id"`
	PublicHost string `json:"public_host"`
	UserEmail  string `json:"user_email"`
	UserSSOID  string `json:"user_sso_id"`
	Spawner    string `json:"spawner"`
}
