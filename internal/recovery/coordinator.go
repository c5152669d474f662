package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/metrics"
)

// Outcome classifies one recovery attempt.
type Outcome string

const (
	// OutcomeNoRecovery means the component has no recovery capability
	// attached; nothing was mutated.
	OutcomeNoRecovery Outcome = "no_recovery"
	// OutcomeFailed means Stop or Start returned an error or panicked.
	OutcomeFailed Outcome = "failed"
	// OutcomeRecovered means the Stop+Start cycle completed and the
	// component's error state was reset.
	OutcomeRecovered Outcome = "recovered"
)

// Result describes one recovery attempt. AttemptID correlates log lines and
// history events belonging to the same attempt.
type Result struct {
	Name      string        `json:"name"`
	Outcome   Outcome       `json:"outcome"`
	AttemptID string        `json:"attempt_id"`
	Err       error         `json:"-"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Coordinator executes recovery attempts against the health ledger. It owns
// no trigger policy: callers (the sweeper, an operator endpoint) decide when
// to attempt. Failures are recorded, never re-raised.
type Coordinator struct {
	registry *health.Registry
}

func NewCoordinator(reg *health.Registry) *Coordinator {
	return &Coordinator{registry: reg}
}

// AttemptRecovery runs one Stop+Start cycle for the named component. A
// missing capability yields OutcomeNoRecovery and mutates nothing. An error
// or panic from either phase yields OutcomeFailed and is recorded against
// the component; it never propagates to the caller. On success the
// component's error count and last error are reset and its state is marked
// recovered.
func (c *Coordinator) AttemptRecovery(ctx context.Context, name string) Result {
	res := Result{Name: name, AttemptID: uuid.NewString()}

	rec, ok := c.registry.Recovery(name)
	if !ok {
		res.Outcome = OutcomeNoRecovery
		return res
	}

	slog.Info("Attempting recovery", "component", name, "attempt", res.AttemptID)
	start := time.Now()
	err := runAttempt(ctx, rec)
	res.Elapsed = time.Since(start)

	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		c.registry.ReportError(name, "recovery failed: "+err.Error())
		metrics.IncRecovery(name, string(OutcomeFailed))
		slog.Error("Recovery attempt failed", "component", name, "attempt", res.AttemptID, "error", err)
		return res
	}

	c.registry.MarkRecovered(name)
	res.Outcome = OutcomeRecovered
	metrics.IncRecovery(name, string(OutcomeRecovered))
	slog.Info("Component recovered", "component", name, "attempt", res.AttemptID, "elapsed", res.Elapsed)
	return res
}

// runAttempt performs the Stop+Start cycle, converting panics from either
// phase into errors.
func runAttempt(ctx context.Context, rec health.Recoverable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery panicked: %v", r)
		}
	}()
	if err := rec.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}
