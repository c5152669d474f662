// Package vigil keeps a fleet of independently-failing sensor loops alive,
// observable and self-healing inside an agent process, and supervises agent
// processes themselves from outside: start, stop, restart and status over a
// registry that survives across invocations.
package vigil

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/vigil/internal/agent"
	cfg "github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/recovery"
	"github.com/loykin/vigil/internal/sensor"
	iapi "github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = agent.Spec

type AgentStatus = agent.Status

type Record = store.Record

type ComponentStatus = health.ComponentStatus

type Recoverable = health.Recoverable

type Sensor = sensor.Sensor

type Stream = sensor.Stream

type RawEvent = sensor.RawEvent

type SensorEvent = sensor.Event

type Handler = sensor.Handler

type RecoveryResult = recovery.Result

type SweeperConfig = recovery.SweeperConfig

type StartOptions = supervisor.StartOptions

type StopResult = supervisor.StopResult

type Config = cfg.Config

// Constructors for the building blocks. Each returns an independently
// usable object; Runtime wires the in-process set together.

// NewRegistry returns an empty health ledger. Pass it by reference to every
// component that reports into it; there is no package-level instance.
func NewRegistry() *health.Registry { return health.NewRegistry() }

// NewOrchestrator returns a sensor orchestrator reporting into reg and
// handing normalized events to h. A nil h drops events after conversion.
func NewOrchestrator(reg *health.Registry, h Handler) *sensor.Orchestrator {
	return sensor.NewOrchestrator(reg, h)
}

// NewCoordinator returns a recovery coordinator over reg.
func NewCoordinator(reg *health.Registry) *recovery.Coordinator {
	return recovery.NewCoordinator(reg)
}

// NewSupervisor returns an agent process supervisor with no registry store
// attached; call SetStore/SetLock to persist across invocations.
func NewSupervisor() *supervisor.Supervisor { return supervisor.New() }

// Runtime bundles the in-process health subsystem: one registry, the sensor
// orchestrator, the recovery coordinator and the periodic sweeper that
// triggers recovery of degraded components.
type Runtime struct {
	Registry     *health.Registry
	Orchestrator *sensor.Orchestrator
	Coordinator  *recovery.Coordinator

	sweeper *recovery.Sweeper
}

// NewRuntime wires a registry, orchestrator, coordinator and sweeper
// together. When swCfg.Interval is zero the sweep interval comes from the
// VIGIL_CHECK_INTERVAL environment variable (seconds), which the process
// supervisor sets from --check-interval; the sweeper default applies
// otherwise.
func NewRuntime(h Handler, swCfg SweeperConfig) *Runtime {
	if swCfg.Interval == 0 {
		if v := os.Getenv(agent.EnvCheckInterval); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				swCfg.Interval = time.Duration(secs) * time.Second
			}
		}
	}
	reg := health.NewRegistry()
	coord := recovery.NewCoordinator(reg)
	return &Runtime{
		Registry:     reg,
		Orchestrator: sensor.NewOrchestrator(reg, h),
		Coordinator:  coord,
		sweeper:      recovery.NewSweeper(reg, coord, swCfg),
	}
}

// Listen runs the sensor loops with the recovery sweeper active alongside,
// and blocks until every loop has terminated. See Orchestrator.Listen for
// the fault-isolation and cancellation contract.
func (r *Runtime) Listen(ctx context.Context, sensors ...Sensor) error {
	_ = r.sweeper.Start()
	defer r.sweeper.Stop()
	return r.Orchestrator.Listen(ctx, sensors...)
}

// AttemptRecovery triggers one recovery attempt by hand, outside the
// sweeper's schedule.
func (r *Runtime) AttemptRecovery(ctx context.Context, name string) RecoveryResult {
	return r.Coordinator.AttemptRecovery(ctx, name)
}

// GetStatus returns the health snapshot of one component.
func (r *Runtime) GetStatus(name string) (ComponentStatus, bool) {
	return r.Registry.GetStatus(name)
}

// Close stops the sweeper. Sensor loops are owned by Listen's context.
func (r *Runtime) Close() { r.sweeper.Stop() }

// LoadConfig reads a supervisor daemon TOML config.
func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// LoadAgentSpec reads a single-agent TOML config file.
func LoadAgentSpec(path string) (Spec, error) { return cfg.LoadAgentSpec(path) }

// NewHandler returns the control API as an embeddable http.Handler, for
// mounting under an existing server or web framework.
func NewHandler(basePath string, sup *supervisor.Supervisor) http.Handler {
	return iapi.NewRouter(sup, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the supervisor control API.
func NewHTTPServer(addr, basePath string, sup *supervisor.Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, sup)
}

// NewTLSServer starts an HTTPS control server described by scfg.
func NewTLSServer(scfg cfg.ServerConfig, sup *supervisor.Supervisor) (*http.Server, error) {
	return iapi.NewTLSServer(scfg, sup)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
