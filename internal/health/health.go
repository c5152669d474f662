package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Recoverable is the self-repair capability a provider may attach to its
// component entry. Stop and Start must be idempotent; the recovery
// coordinator treats any error or panic from either as a failed attempt.
type Recoverable interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Component states as surfaced by GetStatus.
const (
	StateRegistered = "registered" // created by Register, no errors yet
	StateDegraded   = "degraded"   // at least one error since the last recovery
	StateRecovered  = "recovered"  // last recovery attempt succeeded
)

// ComponentStatus is a point-in-time snapshot of one component's health.
// Snapshots are copies; mutating one never affects the registry.
type ComponentStatus struct {
	Name          string            `json:"name"`
	State         string            `json:"state"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	ErrorCount    int               `json:"error_count"`
	LastError     string            `json:"last_error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	HasRecovery   bool              `json:"has_recovery"`
	RecoveryCount int               `json:"recovery_count"`
	LastRecovery  time.Time         `json:"last_recovery"`
}

type entry struct {
	mu            sync.Mutex
	name          string
	state         string
	lastHeartbeat time.Time
	errorCount    int
	lastError     string
	metadata      map[string]string
	recovery      Recoverable
	recoveryCount int
	lastRecovery  time.Time
}

// Registry is a process-wide ledger of component health. It is constructed
// explicitly and passed to every collaborator that reports into it; there is
// no package-level instance. All methods are safe for concurrent use, and
// operations on different names do not block one another (sharded map plus
// a per-entry lock). No method performs I/O.
type Registry struct {
	entries cmap.ConcurrentMap[string, *entry]
	warned  cmap.ConcurrentMap[string, bool]
}

func NewRegistry() *Registry {
	return &Registry{
		entries: cmap.New[*entry](),
		warned:  cmap.New[bool](),
	}
}

// Register creates an entry with zeroed counters if absent, otherwise merges
// metadata into the existing entry. Idempotent; never fails.
func (r *Registry) Register(name string, metadata map[string]string) {
	e := r.getOrCreate(name, StateRegistered)
	if len(metadata) == 0 {
		return
	}
	e.mu.Lock()
	if e.metadata == nil {
		e.metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		e.metadata[k] = v
	}
	e.mu.Unlock()
}

// Heartbeat records liveness for name. The stored timestamp never regresses.
// An unknown name is logged once and otherwise ignored; a missed
// registration must not crash the caller.
func (r *Registry) Heartbeat(name string) {
	e, ok := r.entries.Get(name)
	if !ok {
		if r.warned.SetIfAbsent(name, true) {
			slog.Warn("Heartbeat for unregistered component", "name", name)
		}
		return
	}
	now := time.Now()
	e.mu.Lock()
	if now.After(e.lastHeartbeat) {
		e.lastHeartbeat = now
	}
	e.mu.Unlock()
}

// ReportError increments the component's error count by exactly one and
// records msg as the most recent error. Unknown names get a degraded entry
// auto-created; the call never fails.
func (r *Registry) ReportError(name, msg string) {
	e := r.getOrCreate(name, StateDegraded)
	e.mu.Lock()
	e.errorCount++
	e.lastError = msg
	e.state = StateDegraded
	e.mu.Unlock()
}

// RegisterRecovery attaches a Recoverable to an existing or new entry.
// Replacing an existing capability is allowed; last write wins.
func (r *Registry) RegisterRecovery(name string, rec Recoverable) {
	e := r.getOrCreate(name, StateRegistered)
	e.mu.Lock()
	e.recovery = rec
	e.mu.Unlock()
}

// Recovery returns the capability attached to name, if any.
func (r *Registry) Recovery(name string) (Recoverable, bool) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	rec := e.recovery
	e.mu.Unlock()
	return rec, rec != nil
}

// MarkRecovered folds a successful recovery back into the ledger: the error
// count is reset, the last error cleared, and the state set to recovered.
// The outcome is observable through GetStatus.
func (r *Registry) MarkRecovered(name string) {
	e, ok := r.entries.Get(name)
	if !ok {
		return
	}
	e.mu.Lock()
	e.errorCount = 0
	e.lastError = ""
	e.state = StateRecovered
	e.recoveryCount++
	e.lastRecovery = time.Now()
	e.mu.Unlock()
}

// GetStatus returns a snapshot of the named component, or false if it was
// never registered. The snapshot is a deep copy.
func (r *Registry) GetStatus(name string) (ComponentStatus, bool) {
	e, ok := r.entries.Get(name)
	if !ok {
		return ComponentStatus{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns copies of every entry, in no particular order.
func (r *Registry) Snapshot() []ComponentStatus {
	out := make([]ComponentStatus, 0, r.entries.Count())
	for kv := range r.entries.IterBuffered() {
		out = append(out, kv.Val.snapshot())
	}
	return out
}

// Reset clears all entries. Reserved for test harnesses: resetting a live
// registry orphans in-flight recovery state and must not be done in
// production.
func (r *Registry) Reset() {
	r.entries.Clear()
	r.warned.Clear()
}

func (r *Registry) getOrCreate(name, initialState string) *entry {
	return r.entries.Upsert(name, nil, func(exists bool, cur *entry, _ *entry) *entry {
		if exists {
			return cur
		}
		return &entry{name: name, state: initialState}
	})
}

func (e *entry) snapshot() ComponentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := ComponentStatus{
		Name:          e.name,
		State:         e.state,
		LastHeartbeat: e.lastHeartbeat,
		ErrorCount:    e.errorCount,
		LastError:     e.lastError,
		HasRecovery:   e.recovery != nil,
		RecoveryCount: e.recoveryCount,
		LastRecovery:  e.lastRecovery,
	}
	if e.metadata != nil {
		st.Metadata = make(map[string]string, len(e.metadata))
		for k, v := range e.metadata {
			st.Metadata[k] = v
		}
	}
	return st
}
