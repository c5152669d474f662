package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/store/sqlite"
	"github.com/loykin/vigil/internal/supervisor"
	"github.com/loykin/vigil/pkg/client"
)

// stateDir resolves where the local registry lives: flag, then
// $VIGIL_STATE_DIR, then ~/.vigil.
func stateDir(flags *GlobalFlags) (string, error) {
	if flags.StateDir != "" {
		return flags.StateDir, nil
	}
	if d := os.Getenv("VIGIL_STATE_DIR"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return filepath.Join(home, ".vigil"), nil
}

// newLocalSupervisor builds a supervisor over the sqlite registry in the
// state dir, with the file lock guarding cross-invocation sections.
func newLocalSupervisor(flags *GlobalFlags) (*supervisor.Supervisor, error) {
	dir, err := stateDir(flags)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	st, err := sqlite.New(filepath.Join(dir, "registry.db"))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	sup := supervisor.New()
	if err := sup.SetStore(st); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	sup.SetLock(store.NewFileLock(filepath.Join(dir, "registry.lock")))
	return sup, nil
}

// resolveTarget maps a stop/restart/status argument to an agent name. An
// argument naming an existing TOML file is loaded so the spec's signals and
// pidfile are known; anything else is treated as a bare agent name.
func resolveTarget(arg string) (string, *agent.Spec, error) {
	if strings.HasSuffix(arg, ".toml") {
		if _, err := os.Stat(arg); err == nil {
			spec, lerr := config.LoadAgentSpec(arg)
			if lerr != nil {
				return "", nil, fmt.Errorf("agent config %s: %w", arg, lerr)
			}
			return spec.Name, &spec, nil
		}
	}
	return arg, nil, nil
}

// toWireSpec converts a local spec into the client's wire shape.
func toWireSpec(s agent.Spec) client.Spec {
	return client.Spec{
		Name:          s.Name,
		Command:       s.Command,
		WorkDir:       s.WorkDir,
		Env:           s.Env,
		Mode:          s.Mode,
		HotReload:     s.HotReload,
		ReloadSignal:  s.ReloadSignal,
		PIDFile:       s.PIDFile,
		StartDuration: s.StartDuration,
		StopSignal:    s.StopSignal,
		CheckInterval: s.CheckInterval,
		Log: client.LogConfig{
			Dir:        s.Log.Dir,
			StdoutPath: s.Log.StdoutPath,
			StderrPath: s.Log.StderrPath,
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			MaxAgeDays: s.Log.MaxAgeDays,
			Compress:   s.Log.Compress,
		},
	}
}
