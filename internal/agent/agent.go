package agent

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/vigil/internal/metrics"
)

// reapGrace is how long Stop waits for the reaper goroutine after a
// forced kill before giving up on observing the exit.
const reapGrace = 200 * time.Millisecond

// Agent is the in-memory handle for one supervised OS process. All state
// transitions happen under mu; the reaper goroutine spawned by TryStart is
// the only caller of cmd.Wait.
type Agent struct {
	spec      Spec
	cmd       *exec.Cmd
	status    Status
	mu        sync.Mutex
	stopping  bool // Stop requested; restart policies must stand down
	restarts  int
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed by the reaper when cmd.Wait returns
}

func New(spec Spec) *Agent { return &Agent{spec: spec} }

// UpdateSpec replaces the spec under lock. Takes effect on the next start.
func (a *Agent) UpdateSpec(s Spec) {
	a.mu.Lock()
	a.spec = s
	a.mu.Unlock()
}

// Spec returns a copy of the current spec.
func (a *Agent) Spec() Spec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spec
}

func (a *Agent) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spec.Name
}

// PID returns the pid of the running process, or 0.
func (a *Agent) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}

// ConfigureCmd builds the *exec.Cmd for this agent using mergedEnv. It
// sets workdir, environment, process group attributes, and stdout/stderr
// capture. Output goes to rotating log files when configured, otherwise
// to the null device so the child never inherits the supervisor's stdio.
func (a *Agent) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	a.mu.Lock()
	spec := a.spec
	a.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd, spec.Detached)

	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.AgentWriters(spec.Name)
		a.ensureLogClosers(outW, errW)
		ow, ew := a.outErrClosers()
		if ow != nil {
			cmd.Stdout = ow
		} else {
			cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
		if ew != nil {
			cmd.Stderr = ew
		} else {
			cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

// TryStart starts cmd and, on success, records the running state, writes
// the pidfile, and spawns the reaper goroutine that waits for the child.
func (a *Agent) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	a.markStarted(cmd)

	a.mu.Lock()
	pidFile := a.spec.PIDFile
	spec := a.spec
	a.mu.Unlock()
	if pidFile != "" {
		// Best effort; liveness never depends on the pidfile existing.
		_ = WritePIDFile(pidFile, cmd.Process.Pid, spec)
	}

	go a.reap(cmd)
	return nil
}

// reap is the single waiter on the child. Exit state is recorded before
// waitDone closes so anyone released by the channel sees a final status.
func (a *Agent) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	a.markExited(err)
	a.closeWaitDone()
	a.CloseWriters()
}

func (a *Agent) markStarted(cmd *exec.Cmd) {
	a.mu.Lock()
	a.cmd = cmd
	a.waitDone = make(chan struct{})
	a.status = Status{
		Name:      a.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		Mode:      a.spec.ResolveMode(),
		HotReload: a.spec.HotReload,
		State:     StateRunning,
		Restarts:  a.restarts,
		StartedAt: time.Now(),
	}
	a.stopping = false
	a.mu.Unlock()
	metrics.SetAgentUp(a.Name(), true)
}

func (a *Agent) markExited(err error) {
	a.mu.Lock()
	a.status.Running = false
	a.status.State = StateStopped
	a.status.StoppedAt = time.Now()
	a.status.ExitErr = err
	a.mu.Unlock()
	metrics.SetAgentUp(a.Name(), false)
}

func (a *Agent) closeWaitDone() {
	a.mu.Lock()
	if a.waitDone != nil {
		close(a.waitDone)
		a.waitDone = nil
	}
	a.mu.Unlock()
}

func (a *Agent) waitDoneChan() chan struct{} {
	a.mu.Lock()
	wd := a.waitDone
	a.mu.Unlock()
	return wd
}

// StopRequested reports whether Stop has been called since the last start.
func (a *Agent) StopRequested() bool {
	a.mu.Lock()
	v := a.stopping
	a.mu.Unlock()
	return v
}

// IncRestarts bumps and returns the restart counter.
func (a *Agent) IncRestarts() int {
	a.mu.Lock()
	a.restarts++
	v := a.restarts
	a.status.Restarts = a.restarts
	a.mu.Unlock()
	return v
}

func (a *Agent) ensureLogClosers(stdout, stderr io.WriteCloser) {
	a.mu.Lock()
	if a.outCloser == nil && stdout != nil {
		a.outCloser = stdout
	}
	if a.errCloser == nil && stderr != nil {
		a.errCloser = stderr
	}
	a.mu.Unlock()
}

func (a *Agent) outErrClosers() (io.WriteCloser, io.WriteCloser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outCloser, a.errCloser
}

// CloseWriters closes and forgets the capture writers.
func (a *Agent) CloseWriters() {
	a.mu.Lock()
	if a.outCloser != nil {
		_ = a.outCloser.Close()
		a.outCloser = nil
	}
	if a.errCloser != nil {
		_ = a.errCloser.Close()
		a.errCloser = nil
	}
	a.mu.Unlock()
}

// Alive probes whether the child process is currently live.
func (a *Agent) Alive() bool {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return PIDAlive(cmd.Process.Pid)
}

// Snapshot returns a copy of the current status.
func (a *Agent) Snapshot() Status {
	a.mu.Lock()
	s := a.status
	if a.stopping && s.Running {
		s.State = StateStopping
	}
	a.mu.Unlock()
	return s
}

// EnforceStartDuration holds until d elapses, verifying the child stays
// alive the whole time. A child that exits early fails the start.
func (a *Agent) EnforceStartDuration(d, poll time.Duration) error {
	if d <= 0 {
		return nil
	}
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errBeforeStart(d)
	}
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if !a.Alive() {
			return errBeforeStart(d)
		}
		time.Sleep(min(poll, remaining))
	}
}

func errBeforeStart(d time.Duration) error {
	return fmt.Errorf("exited before running for %s", d)
}

// Stop terminates the child. The graceful stop signal goes to the whole
// process group first; if the child survives past wait, exactly one
// SIGKILL follows. force skips the graceful phase. The child's own exit
// error never fails the stop. The returned bool reports whether the
// forced kill was delivered.
func (a *Agent) Stop(wait time.Duration, force bool) (bool, error) {
	if !a.Alive() {
		return false, ErrNotRunning
	}
	a.mu.Lock()
	a.stopping = true
	a.status.State = StateStopping
	cmd := a.cmd
	spec := a.spec
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false, ErrNotRunning
	}
	pid := cmd.Process.Pid

	sig, err := ParseSignal(spec.StopSignal)
	if err != nil {
		sig = syscall.SIGTERM
	}

	wd := a.waitDoneChan()
	if wd == nil {
		// Not started by this handle; fall back to cross-process control.
		return StopByPID(pid, sig, wait, 0, force)
	}

	if force {
		_ = signalGroup(pid, syscall.SIGKILL)
		a.awaitReap(wd)
		return true, nil
	}

	_ = signalGroup(pid, sig)
	select {
	case <-wd:
		return false, nil
	case <-time.After(wait):
	}
	if !a.Alive() {
		// Exited right at the deadline; the reaper will finish up.
		return false, nil
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	a.awaitReap(wd)
	if a.Alive() {
		return true, fmt.Errorf("agent %s: pid %d survived kill", spec.Name, pid)
	}
	return true, nil
}

func (a *Agent) awaitReap(wd chan struct{}) {
	select {
	case <-wd:
	case <-time.After(reapGrace):
	}
}

// Reload delivers the reload signal to the child process itself, not the
// group, so grandchildren never see it.
func (a *Agent) Reload() error {
	a.mu.Lock()
	spec := a.spec
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !PIDAlive(cmd.Process.Pid) {
		return ErrNotRunning
	}
	sig, err := ParseSignal(spec.ReloadSignal)
	if err != nil {
		return fmt.Errorf("reload signal: %w", err)
	}
	return signalPID(cmd.Process.Pid, sig)
}
