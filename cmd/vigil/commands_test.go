package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires unix process semantics")
	}
}

func writeAgentConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testCommand(t *testing.T) command {
	t.Helper()
	return command{flags: &GlobalFlags{
		StateDir: t.TempDir(),
		// Point the auto-detect probe at a closed port so tests always run
		// against the local registry.
		APIUrl:     "",
		APITimeout: time.Second,
	}}
}

func TestRunConfigNotFound(t *testing.T) {
	c := testCommand(t)
	err := c.Run(RunFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.toml")
}

func TestStopRequiresExactlyOneTarget(t *testing.T) {
	c := testCommand(t)
	require.Error(t, c.Stop(StopFlags{}))
	require.Error(t, c.Stop(StopFlags{Target: "web", All: true}))
}

func TestStatusEmptyRegistry(t *testing.T) {
	c := testCommand(t)
	var buf bytes.Buffer
	require.NoError(t, c.renderStatusOnce(context.Background(), &buf, ""))
	assert.Contains(t, buf.String(), "no agents registered")
}

func TestStatusUnknownAgentFails(t *testing.T) {
	c := testCommand(t)
	var buf bytes.Buffer
	err := c.renderStatusOnce(context.Background(), &buf, "ghost")
	require.Error(t, err)
}

func TestRunStatusStopLifecycle(t *testing.T) {
	requireUnix(t)
	c := testCommand(t)
	cfgPath := writeAgentConfig(t, t.TempDir(), "lifecycle",
		"command = \"sleep 5\"\nstart_duration = \"100ms\"\n")

	require.NoError(t, c.Run(RunFlags{ConfigPath: cfgPath}))

	var buf bytes.Buffer
	require.NoError(t, c.renderStatusOnce(context.Background(), &buf, ""))
	assert.Contains(t, buf.String(), "lifecycle")

	require.NoError(t, c.Stop(StopFlags{Target: "lifecycle", Force: true, Timeout: 2 * time.Second}))

	// The record is gone once termination was confirmed.
	buf.Reset()
	require.NoError(t, c.renderStatusOnce(context.Background(), &buf, ""))
	assert.Contains(t, buf.String(), "no agents registered")
}

func TestRunRejectsSecondStart(t *testing.T) {
	requireUnix(t)
	c := testCommand(t)
	cfgPath := writeAgentConfig(t, t.TempDir(), "dup",
		"command = \"sleep 5\"\nstart_duration = \"100ms\"\n")

	require.NoError(t, c.Run(RunFlags{ConfigPath: cfgPath}))
	defer func() {
		_ = c.Stop(StopFlags{Target: "dup", Force: true, Timeout: 2 * time.Second})
	}()

	err := c.Run(RunFlags{ConfigPath: cfgPath})
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "already running")
}

func TestStopAllEmptyRegistrySucceeds(t *testing.T) {
	c := testCommand(t)
	require.NoError(t, c.Stop(StopFlags{All: true, Timeout: time.Second}))
}

func TestStopUnknownAgentFails(t *testing.T) {
	c := testCommand(t)
	err := c.Stop(StopFlags{Target: "ghost", Timeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}
