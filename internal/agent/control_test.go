package agent

import (
	"errors"
	"syscall"
	"testing"
	"time"
)

// spawnForControl starts a process in its own group and returns its pid.
// Control-path tests address it by pid only, the way a fresh CLI
// invocation would after reading a pidfile.
func spawnForControl(t *testing.T, command string) int {
	t.Helper()
	spec := Spec{Name: "ctl", Command: command}
	spec.ApplyDefaults()
	a := New(spec)
	if err := a.TryStart(a.ConfigureCmd(nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if a.Alive() {
			_, _ = a.Stop(100*time.Millisecond, true)
		}
	})
	pid := a.PID()
	if pid <= 0 {
		t.Fatalf("no pid after start")
	}
	return pid
}

func TestStopByPIDGraceful(t *testing.T) {
	requireUnix(t)
	pid := spawnForControl(t, "sleep 5")
	forced, err := StopByPID(pid, syscall.SIGTERM, 2*time.Second, 0, false)
	if err != nil {
		t.Fatalf("StopByPID: %v", err)
	}
	if forced {
		t.Fatal("cooperative process should not need the forced kill")
	}
	if !waitUntil(time.Second, 20*time.Millisecond, func() bool { return !PIDAlive(pid) }) {
		t.Fatal("process still alive after graceful stop")
	}
}

func TestStopByPIDEscalation(t *testing.T) {
	requireUnix(t)
	pid := spawnForControl(t, `sh -c 'trap "" TERM; while true; do sleep 0.1; done'`)
	// Give the shell a beat to install its trap.
	time.Sleep(100 * time.Millisecond)

	forced, err := StopByPID(pid, syscall.SIGTERM, 300*time.Millisecond, 20*time.Millisecond, false)
	if err != nil {
		t.Fatalf("StopByPID: %v", err)
	}
	if !forced {
		t.Fatal("expected escalation to the forced kill")
	}
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !PIDAlive(pid) }) {
		t.Fatal("process survived the forced kill")
	}
}

func TestStopByPIDForceImmediate(t *testing.T) {
	requireUnix(t)
	pid := spawnForControl(t, "sleep 5")
	start := time.Now()
	forced, err := StopByPID(pid, syscall.SIGTERM, 10*time.Second, 0, true)
	if err != nil {
		t.Fatalf("StopByPID(force): %v", err)
	}
	if !forced {
		t.Fatal("force must report the forced kill")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("force stop waited on the graceful timeout: %v", time.Since(start))
	}
}

func TestStopByPIDNotRunning(t *testing.T) {
	requireUnix(t)
	pid := spawnForControl(t, "sleep 0.05")
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !PIDAlive(pid) }) {
		t.Fatal("short-lived process never exited")
	}
	if _, err := StopByPID(pid, syscall.SIGTERM, time.Second, 0, false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStopByPIDRejectsBogusPID(t *testing.T) {
	if _, err := StopByPID(0, syscall.SIGTERM, time.Second, 0, false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pid 0: expected ErrNotRunning, got %v", err)
	}
	if _, err := StopByPID(-5, syscall.SIGTERM, time.Second, 0, false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("negative pid: expected ErrNotRunning, got %v", err)
	}
}

func TestSignalByPIDNotRunning(t *testing.T) {
	requireUnix(t)
	pid := spawnForControl(t, "sleep 0.05")
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !PIDAlive(pid) }) {
		t.Fatal("short-lived process never exited")
	}
	if err := SignalByPID(pid, syscall.SIGHUP); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSignalByPIDDelivers(t *testing.T) {
	requireUnix(t)
	pid := spawnForControl(t, "sleep 5")
	if err := SignalByPID(pid, syscall.SIGTERM); err != nil {
		t.Fatalf("SignalByPID: %v", err)
	}
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !PIDAlive(pid) }) {
		t.Fatal("signal was not delivered")
	}
}
