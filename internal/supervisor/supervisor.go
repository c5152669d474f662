package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
)

// ErrAlreadyRunning reports a start attempt for a name whose recorded owner
// is still alive.
var ErrAlreadyRunning = errors.New("agent already running")

// errReloadUnsupported routes a hot-reload restart onto the stop/start cycle.
var errReloadUnsupported = errors.New("reload not supported")

// defaultStopTimeout bounds the graceful stop phase when the caller passes
// no timeout.
const defaultStopTimeout = 10 * time.Second

// sinkSendTimeout bounds one history sink delivery.
const sinkSendTimeout = 3 * time.Second

// Supervisor drives agent process lifecycles: spawn with start confirmation,
// graceful stop with a single forced-kill escalation, in-place reload, and
// the persisted registry that lets each CLI invocation see agents started by
// earlier ones.
type Supervisor struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	envM      *env.Env
	st        store.Store
	lock      *store.FileLock
	histSinks []history.Sink
	resources *metrics.ResourceCollector
	reconStop chan struct{}
	noPrune   bool
}

// entry pairs the in-memory agent handle with a per-name mutex. Lifecycle
// operations on one agent are serialized; distinct agents proceed in
// parallel.
type entry struct {
	mu sync.Mutex
	a  *agent.Agent
}

func New() *Supervisor {
	return &Supervisor{
		entries: make(map[string]*entry),
		envM:    env.New(),
	}
}

// SetStore wires the persisted registry and ensures its schema.
func (s *Supervisor) SetStore(st store.Store) error {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.EnsureSchema(context.Background())
}

// SetLock wires the file lock held around registry read-modify-write
// sections. Without it, sections still run, just without cross-process
// exclusion.
func (s *Supervisor) SetLock(l *store.FileLock) {
	s.mu.Lock()
	s.lock = l
	s.mu.Unlock()
}

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, etc.).
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.mu.Lock()
	s.histSinks = append([]history.Sink(nil), sinks...)
	s.mu.Unlock()
}

// SetResourceCollector attaches the per-agent resource sampler so the
// control API can serve its observations.
func (s *Supervisor) SetResourceCollector(c *metrics.ResourceCollector) {
	s.mu.Lock()
	s.resources = c
	s.mu.Unlock()
}

// ResourceCollector returns the attached sampler, nil when none.
func (s *Supervisor) ResourceCollector() *metrics.ResourceCollector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources
}

// SetGlobalEnv sets supervisor-wide environment variables layered between
// the OS environment and per-agent env. kvs must be "KEY=VALUE".
func (s *Supervisor) SetGlobalEnv(kvs []string) {
	s.mu.Lock()
	if s.envM == nil {
		s.envM = env.New()
	}
	e := s.envM
	s.mu.Unlock()
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
}

// DisableStatusPrune keeps dead records in place on status reads instead of
// removing them.
func (s *Supervisor) DisableStatusPrune() {
	s.mu.Lock()
	s.noPrune = true
	s.mu.Unlock()
}

// Register validates the spec and binds it to the in-memory entry for its
// name without starting anything. Stop and restart paths use it so
// cross-invocation control knows the spec's signals and pidfile.
func (s *Supervisor) Register(spec agent.Spec) error {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	s.ensureEntry(spec)
	return nil
}

func (s *Supervisor) ensureEntry(spec agent.Spec) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[spec.Name]; ok {
		e.a.UpdateSpec(spec)
		return e
	}
	e := &entry{a: agent.New(spec)}
	s.entries[spec.Name] = e
	return e
}

func (s *Supervisor) getEntry(name string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[name]
}

func (s *Supervisor) getStore() store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// withLock runs fn inside the registry file lock when one is configured.
func (s *Supervisor) withLock(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	l := s.lock
	s.mu.RUnlock()
	if l == nil {
		return fn()
	}
	return l.WithLock(ctx, fn)
}

// StartOptions adjusts one start invocation. The zero value starts the spec
// as-is.
type StartOptions struct {
	// Force evicts a live recorded owner instead of failing with
	// ErrAlreadyRunning.
	Force bool
	// HotReload enables the in-place reload path for this run even when the
	// spec leaves it off.
	HotReload bool
	// CheckInterval overrides the spec's health-sweep interval. It reaches
	// the child through the environment and bounds the start confirmation
	// poll.
	CheckInterval time.Duration
	// Detach puts the child in its own session so it outlives the CLI
	// invocation that spawned it.
	Detach bool
}

// Start spawns the agent in its own process group, confirms it stays up for
// the spec's start duration, and persists the registry record. A live owner
// for the same name fails the start with ErrAlreadyRunning unless Force is
// set, in which case the stale owner is killed first.
func (s *Supervisor) Start(ctx context.Context, spec agent.Spec, opts StartOptions) error {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	if opts.HotReload {
		spec.HotReload = true
	}
	if opts.CheckInterval > 0 {
		spec.CheckInterval = opts.CheckInterval
	}
	if opts.Detach {
		spec.Detached = true
	}

	ent := s.ensureEntry(spec)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if err := s.claimName(ctx, spec, ent, opts.Force); err != nil {
		return err
	}

	mode := spec.ResolveMode()
	control := env.Var{agent.EnvMode: mode}
	if spec.CheckInterval > 0 {
		control[agent.EnvCheckInterval] = strconv.Itoa(int(spec.CheckInterval / time.Second))
	}
	merged := s.composeEnv(spec.Env, control)

	cmd := ent.a.ConfigureCmd(merged)
	if err := ent.a.TryStart(cmd); err != nil {
		return fmt.Errorf("start agent %q: %w", spec.Name, err)
	}
	pid := ent.a.PID()
	slog.Info("Agent started", "agent", spec.Name, "pid", pid, "mode", mode)

	if err := ent.a.EnforceStartDuration(spec.StartDuration, spec.CheckInterval); err != nil {
		agent.RemovePIDFile(spec.PIDFile)
		return fmt.Errorf("start agent %q: %w", spec.Name, err)
	}

	snap := ent.a.Snapshot()
	rec := store.Record{
		Name:      spec.Name,
		PID:       snap.PID,
		Mode:      mode,
		StartedAt: snap.StartedAt,
		HotReload: spec.HotReload,
		State:     agent.StateRunning,
	}
	if err := s.withLock(ctx, func() error { return s.saveRecord(ctx, rec) }); err != nil {
		// An unrecorded agent would be invisible to every later invocation,
		// so the spawn is rolled back.
		_, _ = ent.a.Stop(0, true)
		agent.RemovePIDFile(spec.PIDFile)
		return fmt.Errorf("record agent %q: %w", spec.Name, err)
	}
	metrics.IncStart(spec.Name)
	s.emit(history.NewEvent(history.EventStart, spec.Name, snap.PID, mode, ""))
	return nil
}

// claimName enforces the one-live-owner rule for a name before a spawn.
// Callers hold the entry mutex.
func (s *Supervisor) claimName(ctx context.Context, spec agent.Spec, ent *entry, force bool) error {
	return s.withLock(ctx, func() error {
		if ent.a.Alive() {
			if !force {
				return fmt.Errorf("agent %q: pid %d: %w", spec.Name, ent.a.PID(), ErrAlreadyRunning)
			}
			pid := ent.a.PID()
			if _, err := ent.a.Stop(0, true); err != nil && !errors.Is(err, agent.ErrNotRunning) {
				return fmt.Errorf("agent %q: evict pid %d: %w", spec.Name, pid, err)
			}
			metrics.IncForcedKill(spec.Name)
			s.emit(history.NewEvent(history.EventForcedKill, spec.Name, pid, spec.ResolveMode(), "evicted by forced start"))
		}
		st := s.getStore()
		if st == nil {
			return nil
		}
		rec, err := st.GetByName(ctx, spec.Name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("agent %q: read record: %w", spec.Name, err)
		}
		if agent.PIDAlive(rec.PID) && agent.VerifyIdentity(rec.PID, rec.StartedAt) {
			if !force {
				return fmt.Errorf("agent %q: pid %d: %w", spec.Name, rec.PID, ErrAlreadyRunning)
			}
			if _, err := agent.StopByPID(rec.PID, syscall.SIGTERM, 0, 0, true); err != nil && !errors.Is(err, agent.ErrNotRunning) {
				return fmt.Errorf("agent %q: evict pid %d: %w", spec.Name, rec.PID, err)
			}
			metrics.IncForcedKill(spec.Name)
			s.emit(history.NewEvent(history.EventForcedKill, spec.Name, rec.PID, rec.Mode, "evicted by forced start"))
		}
		// Stale or just evicted; the fresh start replaces the row.
		return st.Delete(ctx, spec.Name)
	})
}

// Stop terminates the named agent. The graceful signal goes out first, then
// liveness is polled until exit or timeout; past the timeout (or with force
// upfront) exactly one kill is sent and termination re-confirmed before the
// record is removed. The bool reports whether the kill escalation fired;
// exceeding the graceful timeout is the escalation trigger, not an error.
func (s *Supervisor) Stop(ctx context.Context, name string, force bool, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	ent := s.getEntry(name)
	if ent != nil {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		if ent.a.Alive() {
			return s.stopInHandle(ctx, name, ent, force, timeout)
		}
	}
	return s.stopRecorded(ctx, name, ent, force, timeout)
}

// stopInHandle stops an agent this process spawned, using the live handle's
// exit observation instead of pid polling.
func (s *Supervisor) stopInHandle(ctx context.Context, name string, ent *entry, force bool, timeout time.Duration) (bool, error) {
	spec := ent.a.Spec()
	pid := ent.a.PID()
	mode := ent.a.Snapshot().Mode
	_ = s.setRecordState(ctx, name, agent.StateStopping)
	began := time.Now()
	forced, err := ent.a.Stop(timeout, force)
	if err != nil {
		return forced, fmt.Errorf("stop agent %q: %w", name, err)
	}
	s.finishStop(ctx, name, pid, spec.PIDFile, mode, forced, time.Since(began))
	return forced, nil
}

// stopRecorded stops an agent known only through the registry, typically
// one a previous CLI invocation spawned.
func (s *Supervisor) stopRecorded(ctx context.Context, name string, ent *entry, force bool, timeout time.Duration) (bool, error) {
	st := s.getStore()
	if st == nil {
		return false, fmt.Errorf("stop agent %q: %w", name, agent.ErrNotRunning)
	}
	var rec store.Record
	err := s.withLock(ctx, func() error {
		var gerr error
		rec, gerr = st.GetByName(ctx, name)
		if gerr != nil {
			return gerr
		}
		if !agent.PIDAlive(rec.PID) || !agent.VerifyIdentity(rec.PID, rec.StartedAt) {
			// The owner died outside our control; prune the stale row.
			_ = st.Delete(ctx, name)
			return agent.ErrNotRunning
		}
		return st.SetState(ctx, name, agent.StateStopping)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, agent.ErrNotRunning) {
			return false, fmt.Errorf("stop agent %q: %w", name, agent.ErrNotRunning)
		}
		return false, fmt.Errorf("stop agent %q: %w", name, err)
	}

	sig := syscall.SIGTERM
	pidFile := ""
	if ent != nil {
		spec := ent.a.Spec()
		pidFile = spec.PIDFile
		if ps, perr := agent.ParseSignal(spec.StopSignal); perr == nil {
			sig = ps
		}
	}
	began := time.Now()
	forced, serr := agent.StopByPID(rec.PID, sig, timeout, 0, force)
	if serr != nil {
		if errors.Is(serr, agent.ErrNotRunning) {
			// Exited between the record check and the signal.
			s.finishStop(ctx, name, rec.PID, pidFile, rec.Mode, false, time.Since(began))
			return false, nil
		}
		return forced, fmt.Errorf("stop agent %q: %w", name, serr)
	}
	s.finishStop(ctx, name, rec.PID, pidFile, rec.Mode, forced, time.Since(began))
	return forced, nil
}

// finishStop is the bookkeeping shared by every confirmed termination.
func (s *Supervisor) finishStop(ctx context.Context, name string, pid int, pidFile, mode string, forced bool, elapsed time.Duration) {
	if pidFile != "" {
		agent.RemovePIDFile(pidFile)
	}
	if err := s.withLock(ctx, func() error { return s.deleteRecord(ctx, name) }); err != nil {
		slog.Warn("Registry record removal failed", "agent", name, "error", err)
	}
	metrics.IncStop(name)
	metrics.ObserveStopDuration(name, elapsed.Seconds())
	metrics.SetAgentUp(name, false)
	if forced {
		metrics.IncForcedKill(name)
		s.emit(history.NewEvent(history.EventForcedKill, name, pid, mode, "stop escalation"))
	}
	s.emit(history.NewEvent(history.EventStop, name, pid, mode, ""))
	slog.Info("Agent stopped", "agent", name, "pid", pid, "forced", forced, "elapsed", elapsed)
}

// Restart cycles the named agent. When hotReload is requested and the agent
// supports it, the reload signal replaces the stop/start cycle and the
// registry row keeps its start time. Otherwise the agent is stopped
// (honoring force and timeout) and started again with the same spec.
func (s *Supervisor) Restart(ctx context.Context, name string, hotReload, force bool, timeout time.Duration) error {
	if hotReload {
		err := s.reloadInPlace(ctx, name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errReloadUnsupported) && !errors.Is(err, agent.ErrNotRunning) {
			return err
		}
		// Unsupported or not running; fall through to the full cycle.
	}

	if _, err := s.Stop(ctx, name, force, timeout); err != nil && !errors.Is(err, agent.ErrNotRunning) {
		return fmt.Errorf("restart agent %q: %w", name, err)
	}
	ent := s.getEntry(name)
	if ent == nil {
		return fmt.Errorf("restart agent %q: no spec registered", name)
	}
	spec := ent.a.Spec()
	if err := s.Start(ctx, spec, StartOptions{Detach: spec.Detached}); err != nil {
		return err
	}
	ent.a.IncRestarts()
	metrics.IncRestart(name)
	s.emit(history.NewEvent(history.EventRestart, name, ent.a.PID(), ent.a.Snapshot().Mode, ""))
	return nil
}

// reloadInPlace delivers the reload signal without cycling the process.
func (s *Supervisor) reloadInPlace(ctx context.Context, name string) error {
	ent := s.getEntry(name)
	if ent != nil && ent.a.Alive() {
		spec := ent.a.Spec()
		if !spec.HotReload {
			return errReloadUnsupported
		}
		if err := ent.a.Reload(); err != nil {
			return fmt.Errorf("reload agent %q: %w", name, err)
		}
		ent.a.IncRestarts()
		s.afterReload(ctx, name, ent.a.PID(), ent.a.Snapshot().Mode)
		return nil
	}

	st := s.getStore()
	if st == nil {
		return agent.ErrNotRunning
	}
	rec, err := st.GetByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return agent.ErrNotRunning
	}
	if err != nil {
		return fmt.Errorf("reload agent %q: %w", name, err)
	}
	if !rec.HotReload {
		return errReloadUnsupported
	}
	if !agent.PIDAlive(rec.PID) || !agent.VerifyIdentity(rec.PID, rec.StartedAt) {
		_ = s.withLock(ctx, func() error { return st.Delete(ctx, name) })
		return agent.ErrNotRunning
	}
	sig := syscall.SIGHUP
	if ent != nil {
		if ps, perr := agent.ParseSignal(ent.a.Spec().ReloadSignal); perr == nil {
			sig = ps
		}
	}
	if err := agent.SignalByPID(rec.PID, sig); err != nil {
		return fmt.Errorf("reload agent %q: %w", name, err)
	}
	s.afterReload(ctx, name, rec.PID, rec.Mode)
	return nil
}

func (s *Supervisor) afterReload(ctx context.Context, name string, pid int, mode string) {
	// Refresh the row so UpdatedAt reflects the reload.
	_ = s.withLock(ctx, func() error { return s.touchRecord(ctx, name) })
	metrics.IncRestart(name)
	s.emit(history.NewEvent(history.EventReload, name, pid, mode, ""))
	slog.Info("Agent reloaded", "agent", name, "pid", pid)
}

func (s *Supervisor) composeEnv(perAgent []string, control env.Var) []string {
	s.mu.RLock()
	e := s.envM
	s.mu.RUnlock()
	if e == nil {
		e = env.New()
	}
	return e.Compose(perAgent, control)
}

func (s *Supervisor) saveRecord(ctx context.Context, rec store.Record) error {
	st := s.getStore()
	if st == nil {
		return nil
	}
	return st.Upsert(ctx, rec)
}

func (s *Supervisor) deleteRecord(ctx context.Context, name string) error {
	st := s.getStore()
	if st == nil {
		return nil
	}
	return st.Delete(ctx, name)
}

func (s *Supervisor) setRecordState(ctx context.Context, name, state string) error {
	st := s.getStore()
	if st == nil {
		return nil
	}
	return s.withLock(ctx, func() error {
		err := st.SetState(ctx, name, state)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (s *Supervisor) touchRecord(ctx context.Context, name string) error {
	st := s.getStore()
	if st == nil {
		return nil
	}
	rec, err := st.GetByName(ctx, name)
	if err != nil {
		return err
	}
	return st.Upsert(ctx, rec)
}

// emit fans an event out to the configured sinks, best effort.
func (s *Supervisor) emit(e history.Event) {
	s.mu.RLock()
	sinks := append([]history.Sink(nil), s.histSinks...)
	s.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkSendTimeout)
	defer cancel()
	for _, snk := range sinks {
		if err := snk.Send(ctx, e); err != nil {
			slog.Warn("History sink send failed", "type", string(e.Type), "agent", e.AgentName, "error", err)
		}
	}
}

// PingRegistry reports whether the persisted registry is reachable. A
// supervisor without a store is trivially healthy.
func (s *Supervisor) PingRegistry(ctx context.Context) error {
	st := s.getStore()
	if st == nil {
		return nil
	}
	_, err := st.List(ctx)
	return err
}

// AgentPIDs returns the pid of every agent believed running, keyed by
// name. Liveness is not verified; callers polling a dead pid see their
// own lookup error.
func (s *Supervisor) AgentPIDs(ctx context.Context) map[string]int32 {
	out := make(map[string]int32)

	s.mu.RLock()
	for name, ent := range s.entries {
		if ent.a.Alive() {
			out[name] = int32(ent.a.Snapshot().PID)
		}
	}
	st := s.st
	s.mu.RUnlock()

	if st != nil {
		if recs, err := st.List(ctx); err == nil {
			for _, rec := range recs {
				if _, ok := out[rec.Name]; ok {
					continue
				}
				if rec.State == agent.StateRunning {
					out[rec.Name] = int32(rec.PID)
				}
			}
		}
	}
	return out
}

// Shutdown stops the reconciler and releases the registry store. Running
// agents are left alone: their records persist and the next invocation
// picks them up from the registry.
func (s *Supervisor) Shutdown() {
	s.StopReconciler()
	s.mu.Lock()
	st := s.st
	s.st = nil
	s.mu.Unlock()
	if st != nil {
		_ = st.Close()
	}
}
