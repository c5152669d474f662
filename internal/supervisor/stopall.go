package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/loykin/vigil/internal/agent"
)

// maxStopWorkers bounds the pool fanning out per-agent stops.
const maxStopWorkers = 8

// StopResult is one agent's outcome from a multi-target stop.
type StopResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Forced  bool   `json:"forced"`
	Message string `json:"message,omitempty"`
}

// StopAll stops every agent known to this supervisor or the registry.
// Per-agent stops run on a worker pool; one agent's failure never aborts
// the others. Results come back sorted by name.
func (s *Supervisor) StopAll(ctx context.Context, force bool, timeout time.Duration) ([]StopResult, error) {
	names, err := s.targetNames(ctx)
	if err != nil {
		return nil, err
	}
	return s.stopMany(ctx, names, force, timeout), nil
}

// StopMatch stops agents whose name matches pattern ('*' wildcard).
func (s *Supervisor) StopMatch(ctx context.Context, pattern string, force bool, timeout time.Duration) ([]StopResult, error) {
	names, err := s.targetNames(ctx)
	if err != nil {
		return nil, err
	}
	matched := names[:0]
	for _, n := range names {
		if wildcardMatch(n, pattern) {
			matched = append(matched, n)
		}
	}
	return s.stopMany(ctx, matched, force, timeout), nil
}

func (s *Supervisor) stopMany(ctx context.Context, names []string, force bool, timeout time.Duration) []StopResult {
	if len(names) == 0 {
		return nil
	}
	results := make([]StopResult, len(names))

	workers := len(names)
	if workers > maxStopWorkers {
		workers = maxStopWorkers
	}
	pool, perr := ants.NewPool(workers)
	if perr != nil {
		for i, n := range names {
			results[i] = s.stopOne(ctx, n, force, timeout)
		}
		return results
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, n := range names {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = s.stopOne(ctx, n, force, timeout)
		}
		if err := pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return results
}

// stopOne wraps Stop into a StopResult, isolating this agent's outcome.
func (s *Supervisor) stopOne(ctx context.Context, name string, force bool, timeout time.Duration) StopResult {
	forced, err := s.Stop(ctx, name, force, timeout)
	res := StopResult{Name: name, OK: err == nil, Forced: forced}
	switch {
	case errors.Is(err, agent.ErrNotRunning):
		res.Message = "not running"
	case err != nil:
		res.Message = err.Error()
	case forced:
		res.Message = "stopped after forced kill"
	default:
		res.Message = "stopped"
	}
	return res
}

// targetNames is the union of live in-handle agents and registry rows,
// sorted by name.
func (s *Supervisor) targetNames(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	s.mu.RLock()
	for n, e := range s.entries {
		if e.a.Alive() {
			set[n] = struct{}{}
		}
	}
	s.mu.RUnlock()
	if st := s.getStore(); st != nil {
		recs, err := st.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, r := range recs {
			set[r.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
