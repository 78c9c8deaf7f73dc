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

	daemonStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "daemon",
			Name:      "starts_total",
			Help:      "Number of detached starts that passed startup validation.",
		}, []string{"id"},
	)
	daemonStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "daemon",
			Name:      "start_failures_total",
			Help:      "Number of refused or failed detached starts by reason.",
		}, []string{"id", "reason"},
	)
	daemonStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "daemon",
			Name:      "stops_total",
			Help:      "Number of confirmed stops.",
		}, []string{"id"},
	)
	daemonStopFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "daemon",
			Name:      "stop_failures_total",
			Help:      "Number of stops whose signal escalation was exhausted.",
		}, []string{"id"},
	)
	startCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "daemonkit",
			Subsystem: "daemon",
			Name:      "start_check_seconds",
			Help:      "Time spent validating a detached start.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"id"},
	)
	loopRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "runloop",
			Name:      "restarts_total",
			Help:      "Number of child restarts performed by foreground loops.",
		}, []string{"id"},
	)
	loopTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "runloop",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions of foreground loops.",
		}, []string{"id", "from", "to"},
	)
	serviceActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "service",
			Name:      "actions_total",
			Help:      "Number of service manager actions by backend and outcome.",
		}, []string{"backend", "action", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		daemonStarts, daemonStartFailures, daemonStops, daemonStopFailures,
		startCheckDuration, loopRestarts, loopTransitions, serviceActions,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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

// The helpers below no-op until Register has succeeded.

func IncStart(id string) {
	if regOK.Load() {
		daemonStarts.WithLabelValues(id).Inc()
	}
}

func IncStartFailure(id, reason string) {
	if regOK.Load() {
		daemonStartFailures.WithLabelValues(id, reason).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		daemonStops.WithLabelValues(id).Inc()
	}
}

func IncStopFailure(id string) {
	if regOK.Load() {
		daemonStopFailures.WithLabelValues(id).Inc()
	}
}

func ObserveStartCheck(id string, seconds float64) {
	if regOK.Load() {
		startCheckDuration.WithLabelValues(id).Observe(seconds)
	}
}

func IncRestart(id string) {
	if regOK.Load() {
		loopRestarts.WithLabelValues(id).Inc()
	}
}

func RecordTransition(id, from, to string) {
	if regOK.Load() {
		loopTransitions.WithLabelValues(id, from, to).Inc()
	}
}

func IncServiceAction(backend, action string, ok bool) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	serviceActions.WithLabelValues(backend, action, result).Inc()
}
