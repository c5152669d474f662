package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loykin/vigil"
)

// embedded_runtime: run an in-process health runtime with one well-behaved
// sensor and one that keeps failing, and let the sweeper recover the broken
// component automatically.

// tickSensor emits a counter every interval, n times.
type tickSensor struct {
	interval time.Duration
	count    int
}

func (t *tickSensor) Name() string { return "tick" }

func (t *tickSensor) Listen(_ context.Context) (vigil.Stream, error) {
	return &tickStream{interval: t.interval, remaining: t.count}, nil
}

func (t *tickSensor) Convert(raw vigil.RawEvent) (vigil.SensorEvent, error) {
	return vigil.SensorEvent{Source: t.Name(), Payload: raw, At: time.Now()}, nil
}

type tickStream struct {
	interval  time.Duration
	remaining int
	n         int
}

func (s *tickStream) Next(ctx context.Context) (vigil.RawEvent, error) {
	if s.remaining == 0 {
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
		s.remaining--
		s.n++
		return s.n, nil
	}
}

func (s *tickStream) Close() error { return nil }

// flaky simulates an external connection that needs a restart to come back.
type flaky struct{ healthy bool }

func (f *flaky) Stop(context.Context) error  { f.healthy = false; return nil }
func (f *flaky) Start(context.Context) error { f.healthy = true; return nil }

func main() {
	handler := func(_ context.Context, ev vigil.SensorEvent) error {
		fmt.Printf("event from %s: %v\n", ev.Source, ev.Payload)
		return nil
	}

	rt := vigil.NewRuntime(handler, vigil.SweeperConfig{
		Interval:       200 * time.Millisecond,
		ErrorThreshold: 1,
	})
	defer rt.Close()

	// A degraded component with a recovery capability attached. The sweeper
	// notices the error count and restarts it while the sensors run.
	conn := &flaky{}
	rt.Registry.Register("upstream-conn", map[string]string{"kind": "demo"})
	rt.Registry.RegisterRecovery("upstream-conn", conn)
	rt.Registry.ReportError("upstream-conn", errors.New("connection reset").Error())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rt.Listen(ctx, &tickSensor{interval: 100 * time.Millisecond, count: 10}); err != nil {
		fmt.Println("listen:", err)
	}

	if st, ok := rt.GetStatus("upstream-conn"); ok {
		fmt.Printf("upstream-conn: state=%s recoveries=%d healthy=%v\n", st.State, st.RecoveryCount, conn.healthy)
	}
}
