package sensor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/health"
)

// fakeStream replays scripted raw events. When gateAt >= 0, the pull at that
// index blocks until gate is closed. After the script runs out it returns
// failErr if set, io.EOF otherwise. Each stream is driven by a single loop
// goroutine, so no locking is needed.
type fakeStream struct {
	events  []string
	failErr error
	gate    chan struct{}
	gateAt  int
	pos     int
	closes  *atomic.Int32
}

func newFakeStream(closes *atomic.Int32, events ...string) *fakeStream {
	return &fakeStream{events: events, gateAt: -1, closes: closes}
}

func (s *fakeStream) Next(ctx context.Context) (RawEvent, error) {
	if s.gate != nil && s.pos == s.gateAt {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.failErr != nil {
		return nil, s.failErr
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

// blockingStream never yields an event until cancelled.
type blockingStream struct {
	closes *atomic.Int32
}

func (s *blockingStream) Next(ctx context.Context) (RawEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingStream) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeSensor struct {
	name         string
	stream       Stream
	listenErr    error
	convertErr   error
	convertPanic bool
	blankSource  bool
	listens      atomic.Int32
}

func (f *fakeSensor) Name() string { return f.name }

func (f *fakeSensor) Listen(_ context.Context) (Stream, error) {
	f.listens.Add(1)
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	return f.stream, nil
}

func (f *fakeSensor) Convert(raw RawEvent) (Event, error) {
	if f.convertPanic {
		panic("convert exploded")
	}
	if f.convertErr != nil {
		return Event{}, f.convertErr
	}
	ev := Event{Payload: raw, At: time.Now()}
	if !f.blankSource {
		ev.Source = f.name
	}
	return ev, nil
}

func TestListenZeroSensors(t *testing.T) {
	o := NewOrchestrator(health.NewRegistry(), nil)
	require.NoError(t, o.Listen(context.Background()))
}

// One failing sensor must not disturb its siblings: they keep heartbeating
// after the failure, the failed loop records exactly one error, and Listen
// still completes without surfacing anything.
func TestListenIsolatesFailingSensor(t *testing.T) {
	reg := health.NewRegistry()
	var handled atomic.Int32
	o := NewOrchestrator(reg, func(_ context.Context, _ Event) error {
		handled.Add(1)
		return nil
	})

	gate := make(chan struct{})
	var aCloses, bCloses, cCloses atomic.Int32

	aStream := newFakeStream(&aCloses, "a1", "a2")
	aStream.gate, aStream.gateAt = gate, 1
	cStream := newFakeStream(&cCloses, "c1", "c2")
	cStream.gate, cStream.gateAt = gate, 1
	bStream := newFakeStream(&bCloses, "b1")
	bStream.failErr = errors.New("boom")

	a := &fakeSensor{name: "sensor-a", stream: aStream}
	b := &fakeSensor{name: "sensor-b", stream: bStream}
	c := &fakeSensor{name: "sensor-c", stream: cStream}

	done := make(chan error, 1)
	go func() { done <- o.Listen(context.Background(), a, b, c) }()

	// B emits one event, then its stream errors out.
	require.Eventually(t, func() bool {
		st, ok := reg.GetStatus("sensor-b")
		return ok && st.ErrorCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stA, okA := reg.GetStatus("sensor-a")
		stC, okC := reg.GetStatus("sensor-c")
		return okA && okC && !stA.LastHeartbeat.IsZero() && !stC.LastHeartbeat.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	before, _ := reg.GetStatus("sensor-a")
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-done)

	stA, _ := reg.GetStatus("sensor-a")
	stB, _ := reg.GetStatus("sensor-b")
	stC, _ := reg.GetStatus("sensor-c")

	assert.Zero(t, stA.ErrorCount)
	assert.Zero(t, stC.ErrorCount)
	assert.True(t, stA.LastHeartbeat.After(before.LastHeartbeat), "sensor-a kept heartbeating after sensor-b failed")

	assert.Equal(t, 1, stB.ErrorCount)
	assert.Contains(t, stB.LastError, "sensor-b")
	assert.Contains(t, stB.LastError, "boom")

	assert.Equal(t, int32(5), handled.Load())
	assert.Equal(t, int32(1), aCloses.Load())
	assert.Equal(t, int32(1), bCloses.Load())
	assert.Equal(t, int32(1), cCloses.Load())
}

func TestListenDuplicateNamesFailFast(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	var closes atomic.Int32
	s1 := &fakeSensor{name: "dup", stream: newFakeStream(&closes)}
	s2 := &fakeSensor{name: "dup", stream: newFakeStream(&closes)}

	err := o.Listen(context.Background(), s1, s2)
	require.ErrorIs(t, err, ErrDuplicateSensor)

	// No loop started, nothing entered the ledger.
	assert.Zero(t, s1.listens.Load())
	assert.Zero(t, s2.listens.Load())
	assert.Zero(t, closes.Load())
	_, ok := reg.GetStatus("dup")
	assert.False(t, ok)

	// The rejected claim was rolled back: the name is usable again.
	require.NoError(t, o.Listen(context.Background(), s1))
}

func TestListenEmptySensorName(t *testing.T) {
	o := NewOrchestrator(health.NewRegistry(), nil)
	var closes atomic.Int32
	s := &fakeSensor{name: "", stream: newFakeStream(&closes)}

	err := o.Listen(context.Background(), s)
	require.Error(t, err)
	assert.Zero(t, s.listens.Load())
}

func TestListenConcurrentDuplicateLive(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	var closes atomic.Int32
	live := &fakeSensor{name: "shared", stream: &blockingStream{closes: &closes}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Listen(ctx, live) }()

	require.Eventually(t, func() bool {
		return live.listens.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	dup := &fakeSensor{name: "shared", stream: newFakeStream(&closes)}
	err := o.Listen(context.Background(), dup)
	require.ErrorIs(t, err, ErrDuplicateSensor)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(1), closes.Load())

	// Once the first call released the name, a fresh Listen may claim it.
	require.NoError(t, o.Listen(context.Background(), dup))
}

func TestListenCancellationCascades(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	var c1, c2 atomic.Int32
	s1 := &fakeSensor{name: "one", stream: &blockingStream{closes: &c1}}
	s2 := &fakeSensor{name: "two", stream: &blockingStream{closes: &c2}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Listen(ctx, s1, s2) }()

	require.Eventually(t, func() bool {
		return s1.listens.Load() == 1 && s2.listens.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Every stream was released before Listen returned, and cancellation
	// is not a sensor failure.
	assert.Equal(t, int32(1), c1.Load())
	assert.Equal(t, int32(1), c2.Load())
	st1, _ := reg.GetStatus("one")
	st2, _ := reg.GetStatus("two")
	assert.Zero(t, st1.ErrorCount)
	assert.Zero(t, st2.ErrorCount)
}

func TestListenConvertPanicIsRecovered(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	var pCloses, okCloses atomic.Int32
	panicky := &fakeSensor{name: "panicky", stream: newFakeStream(&pCloses, "x"), convertPanic: true}
	healthy := &fakeSensor{name: "healthy", stream: newFakeStream(&okCloses, "y")}

	require.NoError(t, o.Listen(context.Background(), panicky, healthy))

	st, ok := reg.GetStatus("panicky")
	require.True(t, ok)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "panic")
	assert.Equal(t, int32(1), pCloses.Load(), "stream closed even after panic")

	stOK, _ := reg.GetStatus("healthy")
	assert.Zero(t, stOK.ErrorCount)
	assert.False(t, stOK.LastHeartbeat.IsZero())
}

func TestListenConvertErrorFailsLoop(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	var closes atomic.Int32
	s := &fakeSensor{name: "bad-convert", stream: newFakeStream(&closes, "x"), convertErr: errors.New("mangled")}

	require.NoError(t, o.Listen(context.Background(), s))

	st, _ := reg.GetStatus("bad-convert")
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "convert")
	assert.True(t, st.LastHeartbeat.IsZero(), "no heartbeat for an event that never converted")
}

func TestListenHandlerErrorFailsLoop(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, func(_ context.Context, _ Event) error {
		return errors.New("downstream full")
	})

	var closes atomic.Int32
	s := &fakeSensor{name: "rejected", stream: newFakeStream(&closes, "x")}

	require.NoError(t, o.Listen(context.Background(), s))

	st, _ := reg.GetStatus("rejected")
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "downstream full")
}

func TestListenStreamOpenFailure(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	s := &fakeSensor{name: "no-stream", listenErr: errors.New("device busy")}

	require.NoError(t, o.Listen(context.Background(), s))

	st, _ := reg.GetStatus("no-stream")
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "device busy")
}

func TestListenFillsEventSource(t *testing.T) {
	reg := health.NewRegistry()
	var got atomic.Value
	o := NewOrchestrator(reg, func(_ context.Context, ev Event) error {
		got.Store(ev)
		return nil
	})

	var closes atomic.Int32
	s := &fakeSensor{name: "anon", stream: newFakeStream(&closes, "payload"), blankSource: true}

	require.NoError(t, o.Listen(context.Background(), s))

	ev, ok := got.Load().(Event)
	require.True(t, ok)
	assert.Equal(t, "anon", ev.Source)
	assert.Equal(t, "payload", ev.Payload)
}

func TestListenNilHandlerDiscardsEvents(t *testing.T) {
	reg := health.NewRegistry()
	o := NewOrchestrator(reg, nil)

	var closes atomic.Int32
	s := &fakeSensor{name: "quiet", stream: newFakeStream(&closes, "a", "b", "c")}

	require.NoError(t, o.Listen(context.Background(), s))

	st, _ := reg.GetStatus("quiet")
	assert.False(t, st.LastHeartbeat.IsZero())
	assert.Zero(t, st.ErrorCount)
}
