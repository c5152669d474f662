package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecoverable struct {
	mu     sync.Mutex
	stops  int
	starts int
}

func (f *fakeRecoverable) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRecoverable) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func TestRegisterThenGetStatusIsZeroed(t *testing.T) {
	r := NewRegistry()
	r.Register("X", map[string]string{})

	st, ok := r.GetStatus("X")
	require.True(t, ok)
	assert.Equal(t, "X", st.Name)
	assert.Equal(t, 0, st.ErrorCount)
	assert.Empty(t, st.LastError)
	assert.True(t, st.LastHeartbeat.IsZero(), "heartbeat must be unset before the first Heartbeat call")
	assert.Equal(t, StateRegistered, st.State)
	assert.False(t, st.HasRecovery)
}

func TestRegisterIsIdempotentAndMergesMetadata(t *testing.T) {
	r := NewRegistry()
	r.Register("disc", map[string]string{"kind": "discord"})
	r.ReportError("disc", "boom")
	r.Register("disc", map[string]string{"channel": "general"})

	st, ok := r.GetStatus("disc")
	require.True(t, ok)
	// re-registration merges metadata without touching counters
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, "discord", st.Metadata["kind"])
	assert.Equal(t, "general", st.Metadata["channel"])
}

func TestHeartbeatUnknownNameDoesNotCreateEntry(t *testing.T) {
	r := NewRegistry()
	r.Heartbeat("ghost")
	r.Heartbeat("ghost") // second call exercises the warn-once path
	_, ok := r.GetStatus("ghost")
	assert.False(t, ok)
}

func TestHeartbeatNeverRegresses(t *testing.T) {
	r := NewRegistry()
	r.Register("s", nil)

	var prev time.Time
	for i := 0; i < 100; i++ {
		r.Heartbeat("s")
		st, _ := r.GetStatus("s")
		if st.LastHeartbeat.Before(prev) {
			t.Fatalf("heartbeat regressed: %v < %v", st.LastHeartbeat, prev)
		}
		prev = st.LastHeartbeat
	}
}

func TestHeartbeatMonotoneUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	r.Register("s", nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Heartbeat("s")
				}
			}
		}()
	}

	var prev time.Time
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		st, _ := r.GetStatus("s")
		if st.LastHeartbeat.Before(prev) {
			close(stop)
			wg.Wait()
			t.Fatalf("heartbeat regressed under concurrency: %v < %v", st.LastHeartbeat, prev)
		}
		prev = st.LastHeartbeat
	}
	close(stop)
	wg.Wait()
}

func TestReportErrorCountsExactlyOncePerCall(t *testing.T) {
	r := NewRegistry()
	r.Register("s", nil)

	const goroutines = 50
	const perGoroutine = 20
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				r.ReportError("s", fmt.Sprintf("err-%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	st, ok := r.GetStatus("s")
	require.True(t, ok)
	assert.Equal(t, goroutines*perGoroutine, st.ErrorCount)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, StateDegraded, st.State)
}

func TestReportErrorAutoCreatesDegradedEntry(t *testing.T) {
	r := NewRegistry()
	r.ReportError("never-registered", "spontaneous failure")

	st, ok := r.GetStatus("never-registered")
	require.True(t, ok)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, "spontaneous failure", st.LastError)
	assert.Equal(t, StateDegraded, st.State)
}

func TestRegisterRecoveryLastWriteWins(t *testing.T) {
	r := NewRegistry()
	first := &fakeRecoverable{}
	second := &fakeRecoverable{}
	r.RegisterRecovery("s", first)
	r.RegisterRecovery("s", second)

	rec, ok := r.Recovery("s")
	require.True(t, ok)
	assert.Same(t, second, rec)

	st, _ := r.GetStatus("s")
	assert.True(t, st.HasRecovery)
}

func TestMarkRecoveredResetsCountersVisibly(t *testing.T) {
	r := NewRegistry()
	r.Register("s", nil)
	r.ReportError("s", "one")
	r.ReportError("s", "two")
	r.MarkRecovered("s")

	st, ok := r.GetStatus("s")
	require.True(t, ok)
	assert.Equal(t, 0, st.ErrorCount)
	assert.Empty(t, st.LastError)
	assert.Equal(t, StateRecovered, st.State)
	assert.Equal(t, 1, st.RecoveryCount)
	assert.False(t, st.LastRecovery.IsZero())

	// errors after a recovery degrade the entry again
	r.ReportError("s", "three")
	st, _ = r.GetStatus("s")
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, StateDegraded, st.State)
}

func TestGetStatusReturnsCopies(t *testing.T) {
	r := NewRegistry()
	r.Register("s", map[string]string{"kind": "mic"})

	st, _ := r.GetStatus("s")
	st.Metadata["kind"] = "tampered"
	st.ErrorCount = 99

	again, _ := r.GetStatus("s")
	assert.Equal(t, "mic", again.Metadata["kind"])
	assert.Equal(t, 0, again.ErrorCount)
}

func TestSnapshotListsAllEntries(t *testing.T) {
	r := NewRegistry()
	names := []string{"a", "b", "c"}
	for _, n := range names {
		r.Register(n, nil)
	}

	snap := r.Snapshot()
	require.Len(t, snap, len(names))
	seen := map[string]bool{}
	for _, st := range snap {
		seen[st.Name] = true
	}
	for _, n := range names {
		assert.True(t, seen[n], "missing %s", n)
	}
}

func TestResetClearsEverything(t *testing.T) {
	r := NewRegistry()
	r.Register("a", nil)
	r.ReportError("b", "x")
	r.Reset()

	assert.Empty(t, r.Snapshot())
	_, ok := r.GetStatus("a")
	assert.False(t, ok)
}

func TestMixedConcurrentOperations(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			name := fmt.Sprintf("c-%d", g%4)
			for i := 0; i < 100; i++ {
				switch i % 4 {
				case 0:
					r.Register(name, map[string]string{"i": fmt.Sprint(i)})
				case 1:
					r.Heartbeat(name)
				case 2:
					r.ReportError(name, "e")
				case 3:
					_, _ = r.GetStatus(name)
				}
			}
		}(g)
	}
	wg.Wait()

	// four distinct names, each with deterministic error totals:
	// 4 goroutines per name, 25 ReportError calls each.
	snap := r.Snapshot()
	require.Len(t, snap, 4)
	for _, st := range snap {
		assert.Equal(t, 100, st.ErrorCount, "name %s", st.Name)
	}
}
