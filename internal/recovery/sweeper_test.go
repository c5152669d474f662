package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/health"
)

func newSweeperFixture(cfg SweeperConfig) (*health.Registry, *Sweeper) {
	reg := health.NewRegistry()
	return reg, NewSweeper(reg, NewCoordinator(reg), cfg)
}

func TestSweeperDefaults(t *testing.T) {
	_, s := newSweeperFixture(SweeperConfig{})
	assert.Equal(t, 30*time.Second, s.cfg.Interval)
	assert.Equal(t, 3, s.cfg.ErrorThreshold)
	assert.Equal(t, 30*time.Second, s.cfg.AttemptTimeout)
	assert.Equal(t, time.Second, s.cfg.InitialBackoff)
	assert.Equal(t, 5*time.Minute, s.cfg.MaxBackoff)
}

func TestSweepTriggersOnErrorThreshold(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{ErrorThreshold: 3})

	reg.Register("cam", nil)
	rec := &fakeRecoverable{}
	reg.RegisterRecovery("cam", rec)

	reg.ReportError("cam", "stall")
	reg.ReportError("cam", "stall")
	s.sweep(time.Now())
	assert.Zero(t, rec.stops.Load(), "below threshold, no attempt")

	reg.ReportError("cam", "stall")
	s.sweep(time.Now())
	assert.Equal(t, int32(1), rec.stops.Load())
	assert.Equal(t, int32(1), rec.starts.Load())

	st, _ := reg.GetStatus("cam")
	assert.Equal(t, health.StateRecovered, st.State)
	assert.Zero(t, st.ErrorCount)
}

func TestSweepSkipsComponentsWithoutRecovery(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{ErrorThreshold: 1})

	reg.Register("plain", nil)
	reg.ReportError("plain", "bad")

	s.sweep(time.Now())

	// No capability: the sweep leaves the component degraded and does not
	// record a failed attempt against it.
	st, _ := reg.GetStatus("plain")
	assert.Equal(t, 1, st.ErrorCount)
}

func TestSweepTriggersOnStaleHeartbeat(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{ErrorThreshold: 100, StaleAfter: 10 * time.Millisecond})

	reg.Register("cam", nil)
	rec := &fakeRecoverable{}
	reg.RegisterRecovery("cam", rec)

	// Never heartbeated: silence is not staleness.
	s.sweep(time.Now())
	assert.Zero(t, rec.stops.Load())

	reg.Heartbeat("cam")
	s.sweep(time.Now())
	assert.Zero(t, rec.stops.Load(), "fresh heartbeat, no attempt")

	s.sweep(time.Now().Add(50 * time.Millisecond))
	assert.Equal(t, int32(1), rec.stops.Load())
}

func TestSweepBacksOffBetweenFailedAttempts(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{
		ErrorThreshold: 1,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	})

	reg.Register("cam", nil)
	rec := &fakeRecoverable{startErr: errors.New("still broken")}
	reg.RegisterRecovery("cam", rec)
	reg.ReportError("cam", "stall")

	now := time.Now()
	s.sweep(now)
	require.Equal(t, int32(1), rec.stops.Load())

	// Failure scheduled the next attempt far in the future; repeated sweeps
	// in between must not retry.
	s.sweep(time.Now())
	s.sweep(time.Now())
	assert.Equal(t, int32(1), rec.stops.Load())

	// Past the backoff window the attempt runs again.
	s.sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, int32(2), rec.stops.Load())
}

func TestSweepSuccessResetsBackoffSchedule(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{ErrorThreshold: 1, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	reg.Register("cam", nil)
	rec := &fakeRecoverable{startErr: errors.New("broken")}
	reg.RegisterRecovery("cam", rec)
	reg.ReportError("cam", "stall")

	s.sweep(time.Now())
	require.Equal(t, int32(1), rec.starts.Load())

	// The component heals on the next eligible attempt.
	rec.startErr = nil
	s.sweep(time.Now().Add(2 * time.Hour))
	require.Equal(t, int32(2), rec.starts.Load())

	s.mu.Lock()
	_, tracked := s.states["cam"]
	s.mu.Unlock()
	assert.False(t, tracked, "successful recovery clears the backoff state")

	// A later degradation starts from a fresh schedule: eligible immediately.
	reg.ReportError("cam", "stall again")
	s.sweep(time.Now())
	assert.Equal(t, int32(3), rec.starts.Load())
}

func TestSweeperStartStop(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{Interval: 10 * time.Millisecond, ErrorThreshold: 1})

	reg.Register("cam", nil)
	rec := &fakeRecoverable{}
	reg.RegisterRecovery("cam", rec)
	reg.ReportError("cam", "stall")

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second Start is rejected")

	require.Eventually(t, func() bool {
		return rec.starts.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent
}

func TestSweeperStopBeforeStart(t *testing.T) {
	_, s := newSweeperFixture(SweeperConfig{})
	s.Stop() // no-op, must not block or panic
}

func TestSweepAttemptTimeoutBoundsHangingRecovery(t *testing.T) {
	reg, s := newSweeperFixture(SweeperConfig{ErrorThreshold: 1, AttemptTimeout: 20 * time.Millisecond})

	reg.Register("cam", nil)
	reg.RegisterRecovery("cam", hangingRecoverable{})
	reg.ReportError("cam", "stall")

	done := make(chan struct{})
	go func() {
		s.sweep(time.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not return; attempt timeout not honored")
	}

	st, _ := reg.GetStatus("cam")
	assert.Contains(t, st.LastError, "recovery failed")
}

// hangingRecoverable blocks until the attempt context expires.
type hangingRecoverable struct{}

func (hangingRecoverable) Stop(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingRecoverable) Start(_ context.Context) error { return nil }
