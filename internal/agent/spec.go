package agent

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/logger"
)

// Runtime mode labels. A spec may name an explicit mode; ModeAuto resolves
// from the environment at spawn time.
const (
	ModeAuto       = "auto"
	ModeStandalone = "standalone"
)

// EnvMode is the control variable consulted when Mode is "auto". The
// supervisor also injects it into spawned agents so the child observes the
// mode it was resolved to.
const EnvMode = "VIGIL_MODE"

// EnvCheckInterval carries the health-sweep interval (seconds) into the
// spawned agent process.
const EnvCheckInterval = "VIGIL_CHECK_INTERVAL"

// reservedEnvPrefix guards control variables from per-agent overrides.
const reservedEnvPrefix = "VIGIL_"

// Spec describes one supervised agent process, decoded from its TOML
// config file.
type Spec struct {
	Name          string        `json:"name" toml:"name" mapstructure:"name"`
	Command       string        `json:"command" toml:"command" mapstructure:"command"`
	WorkDir       string        `json:"work_dir" toml:"work_dir" mapstructure:"work_dir"`
	Env           []string      `json:"env" toml:"env" mapstructure:"env"`
	Mode          string        `json:"mode" toml:"mode" mapstructure:"mode"`
	HotReload     bool          `json:"hot_reload" toml:"hot_reload" mapstructure:"hot_reload"`
	ReloadSignal  string        `json:"reload_signal" toml:"reload_signal" mapstructure:"reload_signal"`
	PIDFile       string        `json:"pid_file" toml:"pid_file" mapstructure:"pid_file"`
	StartDuration time.Duration `json:"start_duration" toml:"start_duration" mapstructure:"start_duration"`
	StopSignal    string        `json:"stop_signal" toml:"stop_signal" mapstructure:"stop_signal"`
	CheckInterval time.Duration `json:"check_interval" toml:"check_interval" mapstructure:"check_interval"`
	Log           logger.Config `json:"log" toml:"log" mapstructure:"log"`

	// Detached detaches the child into its own session so it survives the
	// spawning CLI invocation. Set by the caller, not by config.
	Detached bool `json:"-" toml:"-" mapstructure:"-"`
}

// ApplyDefaults fills unset signal names.
func (s *Spec) ApplyDefaults() {
	if strings.TrimSpace(s.StopSignal) == "" {
		s.StopSignal = "SIGTERM"
	}
	if strings.TrimSpace(s.ReloadSignal) == "" {
		s.ReloadSignal = "SIGHUP"
	}
	if strings.TrimSpace(s.Mode) == "" {
		s.Mode = ModeAuto
	}
}

// Validate checks the spec for the invariants the supervisor relies on.
func (s *Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("agent %q: name contains invalid characters", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("agent %q requires command", name)
	}
	if s.StartDuration < 0 {
		return fmt.Errorf("agent %q: start_duration cannot be negative", name)
	}
	if s.CheckInterval < 0 {
		return fmt.Errorf("agent %q: check_interval cannot be negative", name)
	}
	if s.WorkDir != "" && strings.Contains(s.WorkDir, "..") {
		return fmt.Errorf("agent %q: work_dir cannot contain '..' path traversal", name)
	}
	if s.StopSignal != "" {
		if _, err := ParseSignal(s.StopSignal); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
	}
	if s.ReloadSignal != "" {
		if _, err := ParseSignal(s.ReloadSignal); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
	}
	for i, kv := range s.Env {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			return fmt.Errorf("agent %q: env[%d] %q is invalid, must be KEY=VALUE", name, i, kv)
		}
		if strings.HasPrefix(kv[:eq], reservedEnvPrefix) {
			return fmt.Errorf("agent %q: env[%d] key %q is reserved (%s prefix)", name, i, kv[:eq], reservedEnvPrefix)
		}
	}
	return nil
}

// ResolveMode returns the runtime mode label for this spawn. An explicit
// mode wins; "auto" consults VIGIL_MODE from the supervisor's environment
// and falls back to standalone.
func (s *Spec) ResolveMode() string {
	mode := strings.TrimSpace(s.Mode)
	if mode != "" && mode != ModeAuto {
		return mode
	}
	if v := strings.TrimSpace(os.Getenv(EnvMode)); v != "" {
		return v
	}
	return ModeStandalone
}

// BuildCommand constructs an *exec.Cmd for the spec's Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	// Fallback: when metacharacters are present, hand the whole string to the shell.
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// ok: intentional execution, input is validated and safe
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>"
// at the beginning of cmdStr. It returns (afterCArg, true) when matched,
// preserving the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the actual script reaches
			// the shell (outer quotes would inhibit redirection inside it).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
