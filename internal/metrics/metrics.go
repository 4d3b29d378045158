package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "warden"
	subsystem = "process"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful spawns.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Number of restarts by cause (crash, memory, operator).",
		}, []string{"name", "cause"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crashes_total",
			Help:      "Number of unexpected exits and startup timeouts.",
		}, []string{"name", "reason"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of operator stops (graceful or kill).",
		}, []string{"name"},
	)
	processForcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forced_kills_total",
			Help:      "Number of times the kill timeout elapsed and the process was killed.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Number of times the OS refused to create the process.",
		}, []string{"name"},
	)
	readyWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ready_wait_seconds",
			Help:      "Time between spawn and readiness.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different supervisor states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	fastRestarts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "consecutive_fast_restarts",
			Help:      "Restart budget consumed since the last stable run.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRestarts, processCrashes, processStops, processForcedKills,
		spawnFailures, readyWait, stateTransitions, currentStates, fastRestarts,
	}
	if err := registerAll(r, cs); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for g.
// A nil g means the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, cause string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, cause).Inc()
	}
}

func IncCrash(name, reason string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncForcedKill(name string) {
	if regOK.Load() {
		processForcedKills.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func ObserveReadyWait(name string, seconds float64) {
	if regOK.Load() {
		readyWait.WithLabelValues(name).Observe(seconds)
	}
}

func SetFastRestarts(name string, n int) {
	if regOK.Load() {
		fastRestarts.WithLabelValues(name).Set(float64(n))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}
