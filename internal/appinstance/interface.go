package appinstance

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("application instance not found")
	// ErrConflict is returned when another live instance already holds the
	// public_host slot.
	ErrConflict = errors.New("application instance already exists")
	// ErrBadTransition is returned for state edges outside
	// SPAWNING -> RUNNING -> STOPPED.
	ErrBadTransition = errors.New("invalid state transition")
)

type Repository interface {
	Create(ctx context.Context, inst *Instance) error
	GetByID(ctx context.Context, id string) (*Instance, error)
	GetByHost(ctx context.Context, publicHost string) (*Instance, error)
	ListByState(ctx context.Context, states []State) ([]*Instance, error)
	// SetState moves an instance to the given state. The SPAWNING -> RUNNING
	// edge is only taken from SPAWNING; STOPPED releases the public_host
	// slot and records stopped_at. Transitions out of STOPPED are rejected.
	SetState(ctx context.Context, id string, state State) error
	SetSpawnerInstanceID(ctx context.Context, id, blob string) error
	SetProxyURL(ctx context.Context, id, proxyURL string) error

	GetTemplate(ctx context.Context, name string) (*Template, error)
}
