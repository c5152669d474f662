package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootSubcommands(t *testing.T) {
	root := buildRoot()

	want := []string{"run", "stop", "restart", "status", "serve"}
	got := make(map[string]bool)
	for _, c := range root.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "missing subcommand %s", name)
	}
}

func TestRootPersistentFlagDefaults(t *testing.T) {
	root := buildRoot()

	lv, err := root.PersistentFlags().GetString("log-level")
	require.NoError(t, err)
	assert.Equal(t, "info", lv)

	timeout, err := root.PersistentFlags().GetDuration("api-timeout")
	require.NoError(t, err)
	assert.Equal(t, "10s", timeout.String())
}

func TestStatusCommandFlags(t *testing.T) {
	root := buildRoot()
	status, _, err := root.Find([]string{"status"})
	require.NoError(t, err)
	assert.NotNil(t, status.Flags().Lookup("watch"))
	assert.NotNil(t, status.Flags().Lookup("interval"))
}

func TestStopCommandFlags(t *testing.T) {
	root := buildRoot()
	stop, _, err := root.Find([]string{"stop"})
	require.NoError(t, err)
	for _, f := range []string{"all", "force", "timeout"} {
		assert.NotNil(t, stop.Flags().Lookup(f), "missing flag %s", f)
	}
}
