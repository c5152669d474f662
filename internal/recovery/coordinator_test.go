package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/health"
)

type fakeRecoverable struct {
	stops      atomic.Int32
	starts     atomic.Int32
	stopErr    error
	startErr   error
	stopPanic  bool
	startPanic bool
}

func (f *fakeRecoverable) Stop(_ context.Context) error {
	f.stops.Add(1)
	if f.stopPanic {
		panic("stop exploded")
	}
	return f.stopErr
}

func (f *fakeRecoverable) Start(_ context.Context) error {
	f.starts.Add(1)
	if f.startPanic {
		panic("start exploded")
	}
	return f.startErr
}

func TestAttemptRecoveryNoCapability(t *testing.T) {
	reg := health.NewRegistry()
	coord := NewCoordinator(reg)

	res := coord.AttemptRecovery(context.Background(), "ghost")
	assert.Equal(t, OutcomeNoRecovery, res.Outcome)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.AttemptID)

	// Nothing was mutated: the name is still unknown to the ledger.
	_, ok := reg.GetStatus("ghost")
	assert.False(t, ok)
}

func TestAttemptRecoverySuccessResetsErrorState(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("cam", nil)
	reg.ReportError("cam", "stream stalled")
	reg.ReportError("cam", "stream stalled")

	rec := &fakeRecoverable{}
	reg.RegisterRecovery("cam", rec)

	coord := NewCoordinator(reg)
	res := coord.AttemptRecovery(context.Background(), "cam")

	assert.Equal(t, OutcomeRecovered, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, int32(1), rec.stops.Load(), "exactly one Stop")
	assert.Equal(t, int32(1), rec.starts.Load(), "exactly one Start")

	st, ok := reg.GetStatus("cam")
	require.True(t, ok)
	assert.Zero(t, st.ErrorCount)
	assert.Empty(t, st.LastError)
	assert.Equal(t, health.StateRecovered, st.State)
	assert.Equal(t, 1, st.RecoveryCount)
}

func TestAttemptRecoveryStopFailure(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("cam", nil)
	reg.ReportError("cam", "stall")

	rec := &fakeRecoverable{stopErr: errors.New("device wedged")}
	reg.RegisterRecovery("cam", rec)

	coord := NewCoordinator(reg)
	res := coord.AttemptRecovery(context.Background(), "cam")

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "device wedged")
	assert.Equal(t, int32(1), rec.stops.Load())
	assert.Zero(t, rec.starts.Load(), "Start skipped after Stop failed")

	st, _ := reg.GetStatus("cam")
	assert.Equal(t, 2, st.ErrorCount, "the failed attempt was recorded")
	assert.Contains(t, st.LastError, "recovery failed")
	assert.Contains(t, st.LastError, "stop")
}

func TestAttemptRecoveryStartFailure(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("cam", nil)

	rec := &fakeRecoverable{startErr: errors.New("won't boot")}
	reg.RegisterRecovery("cam", rec)

	coord := NewCoordinator(reg)
	res := coord.AttemptRecovery(context.Background(), "cam")

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(1), rec.stops.Load())
	assert.Equal(t, int32(1), rec.starts.Load())

	st, _ := reg.GetStatus("cam")
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "start")
}

func TestAttemptRecoveryPanicIsAbsorbed(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("cam", nil)

	for _, tc := range []struct {
		name string
		rec  *fakeRecoverable
	}{
		{"stop panics", &fakeRecoverable{stopPanic: true}},
		{"start panics", &fakeRecoverable{startPanic: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg.RegisterRecovery("cam", tc.rec)
			coord := NewCoordinator(reg)

			var res Result
			require.NotPanics(t, func() {
				res = coord.AttemptRecovery(context.Background(), "cam")
			})
			assert.Equal(t, OutcomeFailed, res.Outcome)
			require.Error(t, res.Err)
			assert.Contains(t, res.Err.Error(), "panicked")
		})
	}
}

func TestAttemptRecoveryLastCapabilityWins(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("cam", nil)

	old := &fakeRecoverable{}
	replacement := &fakeRecoverable{}
	reg.RegisterRecovery("cam", old)
	reg.RegisterRecovery("cam", replacement)

	coord := NewCoordinator(reg)
	res := coord.AttemptRecovery(context.Background(), "cam")

	assert.Equal(t, OutcomeRecovered, res.Outcome)
	assert.Zero(t, old.stops.Load())
	assert.Equal(t, int32(1), replacement.stops.Load())
}
