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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "starts_total",
			Help:      "Number of starts that reached a healthy state.",
		}, []string{"service"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "start_failures_total",
			Help:      "Number of failed starts by failure kind.",
		}, []string{"service", "kind"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"service"},
	)
	stopEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "stop_escalations_total",
			Help:      "Number of graceful stops that required a forced kill.",
		}, []string{"service"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "health_failures_total",
			Help:      "Number of monitor ticks that found the service dead or unhealthy.",
		}, []string{"service"},
	)
	healthWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "health_wait_seconds",
			Help:      "Time from spawn until the first successful health probe.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between watchdog states.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcvisor",
			Subsystem: "watchdog",
			Name:      "current_state",
			Help:      "Current watchdog state (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	externallyManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcvisor",
			Subsystem: "bootstrap",
			Name:      "externally_managed",
			Help:      "1 when the service was found already running and is not supervised.",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStartFailures, serviceRestarts, serviceStops, stopEscalations,
		healthFailures, healthWait, stateTransitions, currentStates, externallyManaged,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStartFailure(service, kind string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(service, kind).Inc()
	}
}

func IncRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncStopEscalation(service string) {
	if regOK.Load() {
		stopEscalations.WithLabelValues(service).Inc()
	}
}

func IncHealthFailure(service string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(service).Inc()
	}
}

func ObserveHealthWait(service string, seconds float64) {
	if regOK.Load() {
		healthWait.WithLabelValues(service).Observe(seconds)
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetCurrentState(service, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(service, state).Set(value)
	}
}

func SetExternallyManaged(service string, external bool) {
	if regOK.Load() {
		var value float64
		if external {
			value = 1
		}
		externallyManaged.WithLabelValues(service).Set(value)
	}
}
