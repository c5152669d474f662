package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	agentStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "starts_total",
			Help:      "Number of successful agent process starts.",
		}, []string{"name"},
	)
	agentStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "stops_total",
			Help:      "Number of agent stops (graceful or forced).",
		}, []string{"name"},
	)
	agentRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "restarts_total",
			Help:      "Number of agent restarts, including hot reloads.",
		}, []string{"name"},
	)
	agentForcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "forced_kills_total",
			Help:      "Number of stops that escalated to a forced kill.",
		}, []string{"name"},
	)
	agentStopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "stop_duration_seconds",
			Help:      "Observed wall time from stop signal to confirmed exit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	agentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "up",
			Help:      "Whether the agent process is currently running (1) or not (0).",
		}, []string{"name"},
	)

	sensorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "sensor",
			Name:      "events_total",
			Help:      "Number of normalized events forwarded per sensor.",
		}, []string{"sensor"},
	)
	sensorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "sensor",
			Name:      "failures_total",
			Help:      "Number of sensor loop terminations caused by an error or panic.",
		}, []string{"sensor"},
	)
	sensorLoops = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "sensor",
			Name:      "active_loops",
			Help:      "Whether a listening loop is currently live for the sensor (1 or 0).",
		}, []string{"sensor"},
	)

	recoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Number of recovery attempts by component and outcome.",
		}, []string{"name", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{agentStarts, agentStops, agentRestarts, agentForcedKills, agentStopDuration, agentUp, sensorEvents, sensorFailures, sensorLoops, recoveryAttempts}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				_ = are // keep existing
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		agentStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		agentStops.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		agentRestarts.WithLabelValues(name).Inc()
	}
}
func IncForcedKill(name string) {
	if regOK.Load() {
		agentForcedKills.WithLabelValues(name).Inc()
	}
}
func ObserveStopDuration(name string, seconds float64) {
	if regOK.Load() {
		agentStopDuration.WithLabelValues(name).Observe(seconds)
	}
}
func SetAgentUp(name string, up bool) {
	if regOK.Load() {
		var v float64
		if up {
			v = 1
		}
		agentUp.WithLabelValues(name).Set(v)
	}
}

func IncSensorEvent(sensor string) {
	if regOK.Load() {
		sensorEvents.WithLabelValues(sensor).Inc()
	}
}
func IncSensorFailure(sensor string) {
	if regOK.Load() {
		sensorFailures.WithLabelValues(sensor).Inc()
	}
}
func SetSensorLoopActive(sensor string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		sensorLoops.WithLabelValues(sensor).Set(v)
	}
}

func IncRecovery(name, outcome string) {
	if regOK.Load() {
		recoveryAttempts.WithLabelValues(name, outcome).Inc()
	}
}
