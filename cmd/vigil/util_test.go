package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/logger"
)

func TestStateDirPrecedence(t *testing.T) {
	t.Setenv("VIGIL_STATE_DIR", "/tmp/from-env")

	d, err := stateDir(&GlobalFlags{StateDir: "/tmp/from-flag"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-flag", d)

	d, err = stateDir(&GlobalFlags{})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env", d)

	t.Setenv("VIGIL_STATE_DIR", "")
	d, err = stateDir(&GlobalFlags{})
	require.NoError(t, err)
	assert.Equal(t, ".vigil", filepath.Base(d))
}

func TestResolveTargetBareName(t *testing.T) {
	name, spec, err := resolveTarget("web")
	require.NoError(t, err)
	assert.Equal(t, "web", name)
	assert.Nil(t, spec)
}

func TestResolveTargetConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.toml")
	content := "command = \"sleep 1\"\nstop_signal = \"SIGINT\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	name, spec, err := resolveTarget(path)
	require.NoError(t, err)
	assert.Equal(t, "web", name) // defaults to the file's base name
	require.NotNil(t, spec)
	assert.Equal(t, "sleep 1", spec.Command)
	assert.Equal(t, "SIGINT", spec.StopSignal)
}

func TestResolveTargetMissingFileTreatedAsName(t *testing.T) {
	name, spec, err := resolveTarget("nonexistent.toml")
	require.NoError(t, err)
	assert.Equal(t, "nonexistent.toml", name)
	assert.Nil(t, spec)
}

func TestToWireSpec(t *testing.T) {
	spec := agent.Spec{
		Name:          "api",
		Command:       "./api-server",
		WorkDir:       "/srv/api",
		Env:           []string{"PORT=9000"},
		Mode:          "production",
		HotReload:     true,
		ReloadSignal:  "SIGUSR1",
		PIDFile:       "/run/api.pid",
		StartDuration: 2 * time.Second,
		StopSignal:    "SIGTERM",
		CheckInterval: 30 * time.Second,
		Log:           logger.Config{Dir: "/var/log/api", MaxSizeMB: 5},
	}
	wire := toWireSpec(spec)
	assert.Equal(t, spec.Name, wire.Name)
	assert.Equal(t, spec.Command, wire.Command)
	assert.Equal(t, spec.Env, wire.Env)
	assert.True(t, wire.HotReload)
	assert.Equal(t, "SIGUSR1", wire.ReloadSignal)
	assert.Equal(t, spec.StartDuration, wire.StartDuration)
	assert.Equal(t, "/var/log/api", wire.Log.Dir)
	assert.Equal(t, 5, wire.Log.MaxSizeMB)
}
