package agent

import (
	"encoding/json"
	"errors"
	"time"
)

// Lifecycle state labels shared by the in-memory handle, the persisted
// registry and the CLI display.
const (
	StateStopped    = "stopped"
	StateStarting   = "starting"
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateRestarting = "restarting"
)

// Status is a point-in-time snapshot of one supervised agent process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	HotReload bool      `json:"hot_reload"`
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"exit_error,omitempty"`
}

// Uptime returns how long the process has been running, zero when stopped.
func (s Status) Uptime() time.Duration {
	if !s.Running || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

type statusJSON struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	HotReload bool      `json:"hot_reload"`
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitError string    `json:"exit_error,omitempty"`
}

// MarshalJSON renders ExitErr as its message so the text survives the wire.
func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		Name:      s.Name,
		Running:   s.Running,
		PID:       s.PID,
		Mode:      s.Mode,
		HotReload: s.HotReload,
		State:     s.State,
		Restarts:  s.Restarts,
		StartedAt: s.StartedAt,
		StoppedAt: s.StoppedAt,
	}
	if s.ExitErr != nil {
		out.ExitError = s.ExitErr.Error()
	}
	return json.Marshal(out)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var in statusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Status{
		Name:      in.Name,
		Running:   in.Running,
		PID:       in.PID,
		Mode:      in.Mode,
		HotReload: in.HotReload,
		State:     in.State,
		Restarts:  in.Restarts,
		StartedAt: in.StartedAt,
		StoppedAt: in.StoppedAt,
	}
	if in.ExitError != "" {
		s.ExitErr = errors.New(in.ExitError)
	}
	return nil
}
