package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventRestart    EventType = "restart"
	EventReload     EventType = "reload"
	EventForcedKill EventType = "forced_kill"
	EventRecovery   EventType = "recovery"
)

// Event is one agent lifecycle (or recovery) occurrence exported to
// external systems. ID is a correlation id unique per event.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	AgentName  string    `json:"agent_name"`
	PID        int       `json:"pid"`
	Mode       string    `json:"mode,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps a fresh event with a uuid and the current UTC time.
func NewEvent(t EventType, name string, pid int, mode, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		AgentName:  name,
		PID:        pid,
		Mode:       mode,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
