package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
)

// Status reports one agent. A live in-memory handle is authoritative;
// otherwise the snapshot is rebuilt from the persisted record, lazily
// verifying that the recorded pid still belongs to the same process. A
// record whose owner died outside stop/restart is pruned and reported as
// stopped.
func (s *Supervisor) Status(ctx context.Context, name string) (agent.Status, error) {
	ent := s.getEntry(name)
	if ent != nil {
		if snap := ent.a.Snapshot(); snap.Running && ent.a.Alive() {
			return snap, nil
		}
	}

	st := s.getStore()
	if st == nil {
		if ent != nil {
			return ent.a.Snapshot(), nil
		}
		return agent.Status{}, fmt.Errorf("agent %q: %w", name, store.ErrNotFound)
	}
	rec, err := st.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && ent != nil {
			// Known spec, no row: a stopped agent this process has seen.
			return ent.a.Snapshot(), nil
		}
		return agent.Status{}, fmt.Errorf("agent %q: %w", name, err)
	}
	return s.statusFromRecord(ctx, rec), nil
}

// StatusAll reports every known agent, live handles first-hand and the rest
// from the registry, sorted by name.
func (s *Supervisor) StatusAll(ctx context.Context) ([]agent.Status, error) {
	seen := make(map[string]struct{})
	var out []agent.Status

	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	s.mu.RUnlock()
	for _, n := range names {
		ent := s.getEntry(n)
		if ent == nil {
			continue
		}
		if snap := ent.a.Snapshot(); snap.Running && ent.a.Alive() {
			out = append(out, snap)
			seen[n] = struct{}{}
		}
	}

	if st := s.getStore(); st != nil {
		recs, err := st.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, rec := range recs {
			if _, dup := seen[rec.Name]; dup {
				continue
			}
			out = append(out, s.statusFromRecord(ctx, rec))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// StatusMatch reports agents whose name matches pattern ('*' wildcard).
func (s *Supervisor) StatusMatch(ctx context.Context, pattern string) ([]agent.Status, error) {
	all, err := s.StatusAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if wildcardMatch(st.Name, pattern) {
			out = append(out, st)
		}
	}
	return out, nil
}

// statusFromRecord rebuilds a snapshot from a registry row. Identity is
// re-verified against the live process table; rows for dead owners are
// pruned unless pruning is disabled.
func (s *Supervisor) statusFromRecord(ctx context.Context, rec store.Record) agent.Status {
	stat := agent.Status{
		Name:      rec.Name,
		PID:       rec.PID,
		Mode:      rec.Mode,
		HotReload: rec.HotReload,
		State:     rec.State,
		StartedAt: rec.StartedAt,
	}
	if agent.PIDAlive(rec.PID) && agent.VerifyIdentity(rec.PID, rec.StartedAt) {
		stat.Running = true
		return stat
	}

	stat.Running = false
	stat.State = agent.StateStopped
	s.mu.RLock()
	noPrune := s.noPrune
	s.mu.RUnlock()
	if !noPrune {
		if err := s.withLock(ctx, func() error { return s.deleteRecord(ctx, rec.Name) }); err != nil {
			slog.Warn("Registry prune failed", "agent", rec.Name, "error", err)
		} else {
			slog.Info("Pruned stale record", "agent", rec.Name, "pid", rec.PID)
		}
		metrics.SetAgentUp(rec.Name, false)
	}
	return stat
}

// wildcardMatch matches name against a pattern with '*' wildcard
// (glob-like, case-sensitive).
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}
