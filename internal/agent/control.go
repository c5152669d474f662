package agent

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// ErrNotRunning reports a stop or signal aimed at an agent with no live
// process.
var ErrNotRunning = errors.New("agent not running")

const (
	// defaultStopPoll is how often a cross-process stop re-checks the
	// target after the graceful signal.
	defaultStopPoll = 50 * time.Millisecond
	// killConfirmWindow bounds how long a stop waits for the kernel to
	// reap the target after the forced kill.
	killConfirmWindow = 2 * time.Second
)

// StopByPID stops a process this runtime did not spawn, addressing the
// whole process group. The graceful signal goes first; if the target is
// still alive once timeout elapses, exactly one SIGKILL follows and the
// call waits a bounded window for the pid to leave the process table.
//
// force skips the graceful phase. The returned bool reports whether the
// forced kill was delivered.
func StopByPID(pid int, sig syscall.Signal, timeout, poll time.Duration, force bool) (bool, error) {
	if !PIDAlive(pid) {
		return false, ErrNotRunning
	}
	if poll <= 0 {
		poll = defaultStopPoll
	}
	if force {
		return true, killAndConfirm(pid, poll)
	}
	if err := signalGroup(pid, sig); err != nil {
		if !PIDAlive(pid) {
			// Signal raced a natural exit.
			return false, nil
		}
		return false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return false, nil
		}
		time.Sleep(poll)
	}
	if !PIDAlive(pid) {
		return false, nil
	}
	return true, killAndConfirm(pid, poll)
}

// killAndConfirm delivers the single forced kill and polls until the pid
// vanishes or the confirm window closes.
func killAndConfirm(pid int, poll time.Duration) error {
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && PIDAlive(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(killConfirmWindow)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return nil
		}
		time.Sleep(poll)
	}
	if PIDAlive(pid) {
		return fmt.Errorf("pid %d still alive after kill", pid)
	}
	return nil
}

// SignalByPID delivers sig to the process itself, not its group. Reload
// signals use this so worker children never see the signal.
func SignalByPID(pid int, sig syscall.Signal) error {
	if !PIDAlive(pid) {
		return ErrNotRunning
	}
	return signalPID(pid, sig)
}
