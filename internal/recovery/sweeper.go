package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/vigil/internal/health"
)

// SweeperConfig tunes the periodic recovery trigger.
type SweeperConfig struct {
	// Interval is the scan period. Default 30s.
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	// ErrorThreshold triggers an attempt once a component's ErrorCount
	// reaches it. Default 3.
	ErrorThreshold int `toml:"error_threshold" mapstructure:"error_threshold"`
	// StaleAfter triggers an attempt when a component that has heartbeated
	// before goes silent for longer than this. Zero disables the check.
	StaleAfter time.Duration `toml:"stale_after" mapstructure:"stale_after"`
	// AttemptTimeout bounds one Stop+Start cycle. Default 30s.
	AttemptTimeout time.Duration `toml:"attempt_timeout" mapstructure:"attempt_timeout"`
	// InitialBackoff and MaxBackoff shape the per-component wait between
	// consecutive failed attempts. Defaults 1s and 5m.
	InitialBackoff time.Duration `toml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff" mapstructure:"max_backoff"`
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// attemptState tracks the backoff schedule of one degraded component.
type attemptState struct {
	bo   *backoff.ExponentialBackOff
	next time.Time
}

// Sweeper periodically scans the health ledger and asks the coordinator to
// recover components whose error count crossed the threshold or whose
// heartbeat went stale. Failed attempts back off exponentially per
// component; a successful recovery resets that component's schedule.
type Sweeper struct {
	registry *health.Registry
	coord    *Coordinator
	cfg      SweeperConfig

	mu     sync.Mutex
	states map[string]*attemptState

	quit chan struct{}
	done chan struct{}
}

func NewSweeper(reg *health.Registry, coord *Coordinator, cfg SweeperConfig) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		registry: reg,
		coord:    coord,
		cfg:      cfg,
		states:   make(map[string]*attemptState),
	}
}

// Start launches the sweep loop. Call Stop to cancel.
func (s *Sweeper) Start() error {
	if s.quit != nil {
		return errors.New("sweeper already started")
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
	slog.Info("Recovery sweeper started", "interval", s.cfg.Interval, "error_threshold", s.cfg.ErrorThreshold)
	return nil
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
		// already closed
	default:
		close(s.quit)
	}
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			s.sweep(time.Now())
		}
	}
}

// sweep runs one scan pass over the ledger.
func (s *Sweeper) sweep(now time.Time) {
	for _, st := range s.registry.Snapshot() {
		if !st.HasRecovery || !s.eligible(st, now) {
			continue
		}
		state := s.state(st.Name)
		if now.Before(state.next) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AttemptTimeout)
		res := s.coord.AttemptRecovery(ctx, st.Name)
		cancel()

		switch res.Outcome {
		case OutcomeRecovered:
			s.clear(st.Name)
		default:
			state.next = time.Now().Add(state.bo.NextBackOff())
		}
	}
}

// eligible reports whether a component currently warrants a recovery
// attempt.
func (s *Sweeper) eligible(st health.ComponentStatus, now time.Time) bool {
	if st.ErrorCount >= s.cfg.ErrorThreshold {
		return true
	}
	if s.cfg.StaleAfter > 0 && !st.LastHeartbeat.IsZero() && now.Sub(st.LastHeartbeat) > s.cfg.StaleAfter {
		return true
	}
	return false
}

func (s *Sweeper) state(name string) *attemptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.cfg.InitialBackoff
		bo.MaxInterval = s.cfg.MaxBackoff
		bo.MaxElapsedTime = 0 // keep retrying for as long as the component is degraded
		bo.Reset()
		st = &attemptState{bo: bo}
		s.states[name] = st
	}
	return st
}

func (s *Sweeper) clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
}
