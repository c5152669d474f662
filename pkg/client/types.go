package client

import "time"

// LogConfig mirrors the agent log capture settings accepted by the daemon.
type LogConfig struct {
	Dir        string `json:"dir,omitempty"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// Spec describes an agent to start. Field names match the daemon's start
// endpoint; durations travel as nanoseconds.
type Spec struct {
	Name          string        `json:"name"`
	Command       string        `json:"command"`
	WorkDir       string        `json:"work_dir,omitempty"`
	Env           []string      `json:"env,omitempty"`
	Mode          string        `json:"mode,omitempty"`
	HotReload     bool          `json:"hot_reload,omitempty"`
	ReloadSignal  string        `json:"reload_signal,omitempty"`
	PIDFile       string        `json:"pid_file,omitempty"`
	StartDuration time.Duration `json:"start_duration,omitempty"`
	StopSignal    string        `json:"stop_signal,omitempty"`
	CheckInterval time.Duration `json:"check_interval,omitempty"`
	Log           LogConfig     `json:"log,omitempty"`
}

// StartOptions controls how the daemon starts an agent.
type StartOptions struct {
	Force     bool
	HotReload bool
	Detach    bool
}

// DefaultStartOptions matches the daemon's defaults: spawned agents detach
// so they survive daemon restarts.
func DefaultStartOptions() StartOptions {
	return StartOptions{Detach: true}
}

// AgentStatus is the daemon's view of one agent.
type AgentStatus struct {
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

// Uptime returns how long the agent has been running, zero when stopped.
func (s AgentStatus) Uptime() time.Duration {
	if !s.Running || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// StopResult is one agent's outcome from a multi-target stop.
type StopResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Forced  bool   `json:"forced"`
	Message string `json:"message,omitempty"`
}

// ResourceUsage is one CPU/memory observation reported by the daemon.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	Agent      string    `json:"agent"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
