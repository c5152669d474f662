package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/metrics"
)

// ErrDuplicateSensor is returned by Listen when two sensors derive the same
// name, or when a loop for that name is already live from another Listen call.
var ErrDuplicateSensor = errors.New("duplicate sensor name")

// Handler consumes one normalized event. A non-nil error terminates the
// emitting sensor's loop and is recorded as that sensor's failure.
type Handler func(ctx context.Context, ev Event) error

// Orchestrator runs one listening loop per sensor and reports liveness and
// failures into the health registry. Loops are isolated: a failing or
// panicking sensor never takes down its siblings, and crashed loops are not
// restarted internally; re-listening is the recovery layer's call.
type Orchestrator struct {
	registry *health.Registry
	handler  Handler

	mu   sync.Mutex
	live map[string]struct{}
}

// NewOrchestrator creates an orchestrator reporting into reg. A nil handler
// discards events after conversion.
func NewOrchestrator(reg *health.Registry, h Handler) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		handler:  h,
		live:     make(map[string]struct{}),
	}
}

// Listen runs one goroutine per sensor and blocks until every loop has
// terminated and released its stream. It returns nil when the loops ended on
// their own (even if some failed) and ctx.Err() when cancellation ended them.
// Duplicate sensor names fail fast before any loop starts.
func (o *Orchestrator) Listen(ctx context.Context, sensors ...Sensor) error {
	if len(sensors) == 0 {
		return nil
	}

	names, err := o.claim(sensors)
	if err != nil {
		return err
	}
	defer o.release(names)

	for _, name := range names {
		o.registry.Register(name, nil)
	}

	slog.Info("Starting sensor loops", "count", len(sensors))

	var wg sync.WaitGroup
	for _, s := range sensors {
		wg.Add(1)
		go o.listenOne(ctx, s, &wg)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// listenOne drives a single sensor loop: open stream, pull, convert, hand
// off, heartbeat. Any error or panic ends only this loop.
func (o *Orchestrator) listenOne(ctx context.Context, s Sensor, wg *sync.WaitGroup) {
	name := s.Name()
	defer wg.Done()
	defer metrics.SetSensorLoopActive(name, false)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sensor loop panicked", "sensor", name, "panic", r)
			o.fail(name, fmt.Errorf("panic: %v", r))
		}
	}()

	metrics.SetSensorLoopActive(name, true)

	st, err := s.Listen(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(name, fmt.Errorf("listen: %w", err))
		return
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close sensor stream", "sensor", name, "error", err)
		}
	}()

	for {
		raw, err := st.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				slog.Debug("Sensor stream exhausted", "sensor", name)
			case ctx.Err() != nil:
				slog.Debug("Sensor loop cancelled", "sensor", name)
			default:
				o.fail(name, err)
			}
			return
		}

		ev, err := s.Convert(raw)
		if err != nil {
			o.fail(name, fmt.Errorf("convert: %w", err))
			return
		}
		if ev.Source == "" {
			ev.Source = name
		}

		if o.handler != nil {
			if err := o.handler(ctx, ev); err != nil {
				o.fail(name, fmt.Errorf("handle: %w", err))
				return
			}
		}

		o.registry.Heartbeat(name)
		metrics.IncSensorEvent(name)
	}
}

// fail records one loop's terminal error in the health ledger. The error is
// absorbed here; Listen's caller never sees it.
func (o *Orchestrator) fail(name string, err error) {
	failure := &Failure{Sensor: name, Err: err}
	o.registry.ReportError(name, failure.Error())
	metrics.IncSensorFailure(name)
	slog.Error("Sensor loop failed", "sensor", name, "error", err)
}

// claim reserves every sensor name or none of them.
func (o *Orchestrator) claim(sensors []Sensor) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(sensors))
	fail := func(err error) ([]string, error) {
		for _, n := range names {
			delete(o.live, n)
		}
		return nil, err
	}
	for _, s := range sensors {
		name := s.Name()
		if name == "" {
			return fail(errors.New("sensor name must not be empty"))
		}
		if _, dup := o.live[name]; dup {
			return fail(fmt.Errorf("%w: %s", ErrDuplicateSensor, name))
		}
		o.live[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}

func (o *Orchestrator) release(names []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range names {
		delete(o.live, n)
	}
}
