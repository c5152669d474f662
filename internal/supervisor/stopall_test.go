package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/store"
)

// One polite agent and one that ignores the graceful signal: both stops
// must succeed, the polite one without escalation, the other after exactly
// one forced kill.
func TestStopAllMixedFleet(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t)
	ctx := context.Background()
	sink := &recordingSink{}
	s.SetHistorySinks(sink)

	if err := s.Start(ctx, sleepSpec("polite", "30"), StartOptions{}); err != nil {
		t.Fatalf("start polite: %v", err)
	}
	stubborn := agent.Spec{
		Name:    "resister",
		Command: `sh -c 'trap "" TERM; while true; do sleep 0.1; done'`,
	}
	if err := s.Start(ctx, stubborn, StartOptions{}); err != nil {
		t.Fatalf("start resister: %v", err)
	}
	politePID := mustPID(t, s, "polite")
	resisterPID := mustPID(t, s, "resister")
	time.Sleep(100 * time.Millisecond) // let the trap install

	results, err := s.StopAll(ctx, false, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	byName := map[string]StopResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	pol := byName["polite"]
	res := byName["resister"]
	if !pol.OK || pol.Forced {
		t.Fatalf("polite result = %+v, want graceful success", pol)
	}
	if !res.OK || !res.Forced {
		t.Fatalf("resister result = %+v, want forced success", res)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return !agent.PIDAlive(politePID) && !agent.PIDAlive(resisterPID)
	})
	if evs := sink.byType(history.EventForcedKill); len(evs) != 1 || evs[0].AgentName != "resister" {
		t.Fatalf("forced kill events = %+v, want exactly one for resister", evs)
	}
	recs, err := s.getStore().List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("registry not emptied: %+v", recs)
	}
}

func TestStopAllEmptyRegistry(t *testing.T) {
	s := newTestSupervisor(t)
	results, err := s.StopAll(context.Background(), false, time.Second)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v, want none", results)
	}
}

func TestStopAllReportsStaleRecordAsNotRunning(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Start(ctx, sleepSpec("live", "30"), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ghost := store.Record{
		Name:      "gone",
		PID:       999999999,
		Mode:      "standalone",
		StartedAt: time.Now().UTC(),
		State:     agent.StateRunning,
	}
	if err := s.getStore().Upsert(ctx, ghost); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	results, err := s.StopAll(ctx, false, 2*time.Second)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	byName := map[string]StopResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if g := byName["gone"]; g.OK || g.Message != "not running" {
		t.Fatalf("stale result = %+v, want not running failure", g)
	}
	if l := byName["live"]; !l.OK {
		t.Fatalf("live result = %+v, want success", l)
	}
	// The stale row is pruned as a side effect of the attempt.
	if _, err := s.getStore().GetByName(ctx, "gone"); err == nil {
		t.Fatal("stale record should be pruned")
	}
}

func TestStopMatchFiltersByPattern(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(t)
	ctx := context.Background()

	for _, name := range []string{"web-a", "web-b", "db-c"} {
		if err := s.Start(ctx, sleepSpec(name, "30"), StartOptions{}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}

	results, err := s.StopMatch(ctx, "web-*", false, 3*time.Second)
	if err != nil {
		t.Fatalf("stop match: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want two web agents", results)
	}
	for _, r := range results {
		if !r.OK {
			t.Fatalf("result %+v not ok", r)
		}
	}
	st, err := s.Status(ctx, "db-c")
	if err != nil || !st.Running {
		t.Fatalf("db-c should still run, got %+v, %v", st, err)
	}
}
