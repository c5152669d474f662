package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/agent"
)

func TestWatcherFiresOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	reloads := make(chan agent.Spec, 4)
	w, err := newConfigWatcher(func(spec agent.Spec) { reloads <- spec })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Watch(dir))

	path := filepath.Join(dir, "web.toml")
	require.NoError(t, os.WriteFile(path, []byte("command = \"sleep 1\"\nhot_reload = true\n"), 0o644))

	select {
	case spec := <-reloads:
		assert.Equal(t, "web", spec.Name)
		assert.True(t, spec.HotReload)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload fired for changed config")
	}
}

func TestWatcherIgnoresNonTOML(t *testing.T) {
	dir := t.TempDir()
	reloads := make(chan agent.Spec, 4)
	w, err := newConfigWatcher(func(spec agent.Spec) { reloads <- spec })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Watch(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case spec := <-reloads:
		t.Fatalf("unexpected reload for %q", spec.Name)
	case <-time.After(watcherDebounce * 3):
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	reloads := make(chan agent.Spec, 16)
	w, err := newConfigWatcher(func(spec agent.Spec) { reloads <- spec })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Watch(dir))

	path := filepath.Join(dir, "burst.toml")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("command = \"sleep 1\"\n"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload fired")
	}
	// The burst collapses into one (occasionally two) reloads, not five.
	count := 1
	timeout := time.After(watcherDebounce * 3)
drain:
	for {
		select {
		case <-reloads:
			count++
		case <-timeout:
			break drain
		}
	}
	assert.LessOrEqual(t, count, 2, "burst not debounced: %d reloads", count)
}

func TestWatcherCloseIdempotent(t *testing.T) {
	w, err := newConfigWatcher(func(agent.Spec) {})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
