package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/metrics"
)

// defaultReconcileInterval paces the background registry reconciler.
const defaultReconcileInterval = 30 * time.Second

// ReconcileOnce walks the registry and re-syncs rows with observed process
// state. Rows owned by live in-memory handles get a freshness bump; rows
// whose process died outside stop/restart are removed and reported.
func (s *Supervisor) ReconcileOnce(ctx context.Context) {
	st := s.getStore()
	if st == nil {
		return
	}
	recs, err := st.List(ctx)
	if err != nil {
		slog.Warn("Registry reconcile list failed", "error", err)
		return
	}
	for _, rec := range recs {
		if ent := s.getEntry(rec.Name); ent != nil && ent.a.Alive() {
			snap := ent.a.Snapshot()
			rec.PID = snap.PID
			rec.StartedAt = snap.StartedAt
			rec.State = snap.State
			if err := s.withLock(ctx, func() error { return st.Upsert(ctx, rec) }); err != nil {
				slog.Warn("Registry refresh failed", "agent", rec.Name, "error", err)
			}
			continue
		}
		if agent.PIDAlive(rec.PID) && agent.VerifyIdentity(rec.PID, rec.StartedAt) {
			// Externally spawned owner, still healthy.
			continue
		}
		if err := s.withLock(ctx, func() error { return st.Delete(ctx, rec.Name) }); err != nil {
			slog.Warn("Registry prune failed", "agent", rec.Name, "error", err)
			continue
		}
		metrics.SetAgentUp(rec.Name, false)
		slog.Warn("Agent process lost", "agent", rec.Name, "pid", rec.PID)
		s.emit(history.NewEvent(history.EventStop, rec.Name, rec.PID, rec.Mode, "process lost"))
	}
}

// StartReconciler runs ReconcileOnce on the given interval until
// StopReconciler. Starting twice is a no-op.
func (s *Supervisor) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	s.mu.Lock()
	if s.reconStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.reconStop = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.ReconcileOnce(context.Background())
			}
		}
	}()
}

// StopReconciler halts the background reconciler if one is running.
func (s *Supervisor) StopReconciler() {
	s.mu.Lock()
	stop := s.reconStop
	s.reconStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
