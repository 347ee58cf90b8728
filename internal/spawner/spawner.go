// Package spawner materializes application instances as local processes or
// docker containers behind one spawn/state/stop contract.
package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"workspace/internal/appinstance"
)

type Tag string

const (
	TagProcess   Tag = "process"
	TagContainer Tag = "container"
)

var ErrUnknownTag = errors.New("spawner: unknown spawner tag")

// Recorder is the slice of the instance registry a spawner writes back
// into while materializing. appinstance.Repository satisfies it.
type Recorder interface {
	GetByID(ctx context.Context, id string) (*appinstance.Instance, error)
	SetSpawnerInstanceID(ctx context.Context, id, blob string) error
	SetProxyURL(ctx context.Context, id, proxyURL string) error
	SetState(ctx context.Context, id string, state appinstance.State) error
}

type SpawnRequest struct {
	InstanceID string
	PublicHost string
	UserEmail  string
	UserSSOID  string
	Options    json.RawMessage
	CPU        int
	Memory     int
}

// Spawner is the strategy behind the control plane. Spawn runs in a
// worker task, records the backend id and eventually the proxy_url via
// the Recorder, and must leave any failure in a STOPPED-reachable state.
// State is cheap and side-effect-free; Stop is idempotent.
type Spawner interface {
	Tag() Tag
	Spawn(ctx context.Context, req SpawnRequest) error
	State(ctx context.Context, options json.RawMessage, createdAt time.Time, spawnerInstanceID, proxyURL string) (appinstance.State, error)
	Stop(ctx context.Context, options json.RawMessage, spawnerInstanceID string) error
	CanStop(options json.RawMessage, spawnerInstanceID string) bool
}

// Select picks the variant recorded on an instance. Spawners are a closed
// tagged set, not a runtime lookup table.
func Select(tag string, process, container Spawner) (Spawner, error) {
	switch Tag(tag) {
	case TagProcess:
		return process, nil
	case TagContainer:
		return container, nil
	default:
		return nil, ErrUnknownTag
	}
}

// decideState applies the shared liveness table. Until the backend id
// exists the spawner gets idTimeout to produce one; until the proxy_url
// exists it gets readyTimeout; after that the backend probe decides.
func decideState(spawnerInstanceID, proxyURL string, age, idTimeout, readyTimeout time.Duration, probe func() (bool, error)) (appinstance.State, error) {
	switch {
	case spawnerInstanceID == "" && age <= idTimeout:
		return appinstance.StateRunning, nil
	case spawnerInstanceID == "":
		return appinstance.StateStopped, nil
	case proxyURL == "" && age <= readyTimeout:
		return appinstance.StateRunning, nil
	case proxyURL == "":
		return appinstance.StateStopped, nil
	}

	alive, err := probe()
	if err != nil {
		return appinstance.StateStopped, err
	}
	if alive {
		return appinstance.StateRunning, nil
	}
	return appinstance.StateStopped, nil
}
