package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a lookup for an agent name with no persisted record.
var ErrNotFound = errors.New("record not found")

// Record is the persisted state of one supervised agent process. Name is
// unique; a later CLI invocation rebuilds its picture of the world from
// these rows, so the record carries everything stop/status need: the pid,
// the resolved mode, the start time used for identity verification, and
// whether the agent accepts an in-place reload.
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	HotReload bool      `json:"hot_reload"`
	State     string    `json:"state"` // running, stopping, stopped
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists the agent process registry. Implementations keep one row
// per agent name.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	SetState(ctx context.Context, name, state string) error
	GetByName(ctx context.Context, name string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, name string) error
	Close() error
}
