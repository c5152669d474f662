package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/supervisor"
)

func TestServeRequiresConfig(t *testing.T) {
	err := runServeCommand(&ServeFlags{}, &GlobalFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file required")
}

func TestServeRequiresServerSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.toml")
	require.NoError(t, os.WriteFile(path, []byte("check_interval = \"5s\"\n"), 0o644))

	err := runServeCommand(&ServeFlags{ConfigPath: path}, &GlobalFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[server]")
}

func TestServeMissingConfigFile(t *testing.T) {
	err := runServeCommand(&ServeFlags{ConfigPath: filepath.Join(t.TempDir(), "nope.toml")}, &GlobalFlags{})
	require.Error(t, err)
}

func TestWireRegistryDefaultsToStateDir(t *testing.T) {
	sup := supervisor.New()
	defer sup.Shutdown()
	flags := &GlobalFlags{StateDir: t.TempDir()}

	require.NoError(t, wireRegistry(sup, &config.Config{}, flags))
	_, err := os.Stat(filepath.Join(flags.StateDir, "registry.db"))
	assert.NoError(t, err)
}

func TestWireRegistryExplicitDSN(t *testing.T) {
	sup := supervisor.New()
	defer sup.Shutdown()
	dir := t.TempDir()
	cfg := &config.Config{Store: &config.StoreConfig{
		DSN:      "sqlite://" + filepath.Join(dir, "custom.db"),
		LockFile: filepath.Join(dir, "custom.lock"),
	}}

	require.NoError(t, wireRegistry(sup, cfg, &GlobalFlags{}))
	_, err := os.Stat(filepath.Join(dir, "custom.db"))
	assert.NoError(t, err)
}

func TestWireHistoryBadDSNSkipped(t *testing.T) {
	sup := supervisor.New()
	defer sup.Shutdown()
	cfg := &config.Config{History: &config.HistoryConfig{DSNs: []string{""}}}
	// Invalid DSNs are logged and skipped, never fatal.
	wireHistory(sup, cfg)
}

func TestWireMetricsDisabled(t *testing.T) {
	sup := supervisor.New()
	defer sup.Shutdown()
	collector, err := wireMetrics(sup, &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, collector)
}
