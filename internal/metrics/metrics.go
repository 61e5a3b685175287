package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors for the worker layer. They are
// registered via Register; the record helpers no-op before that so unit
// tests do not pollute the default registry.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mldesk",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"kind"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mldesk",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of automatic crash restarts.",
		}, []string{"kind"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mldesk",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of abnormal worker exits.",
		}, []string{"kind"},
	)
	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mldesk",
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current worker state (1 = active state, 0 = inactive).",
		}, []string{"kind", "state"},
	)
	requestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mldesk",
			Subsystem: "rpc",
			Name:      "requests_in_flight",
			Help:      "Outstanding correlated requests per worker kind.",
		}, []string{"kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mldesk",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Latency of correlated worker requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "method"},
	)
	requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mldesk",
			Subsystem: "rpc",
			Name:      "request_errors_total",
			Help:      "Failed correlated requests by error class.",
		}, []string{"kind", "class"},
	)
)

// Register registers all collectors with r. Safe to call multiple
// times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerCrashes, workerState,
		requestsInFlight, requestDuration, requestErrors,
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

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(kind string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(kind).Inc()
	}
}

func IncRestart(kind string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(kind).Inc()
	}
}

func IncCrash(kind string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(kind).Inc()
	}
}

// SetState marks state active for kind; callers clear the state being
// left with a matching SetState(kind, old, false).
func SetState(kind, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		workerState.WithLabelValues(kind, state).Set(v)
	}
}

func SetInFlight(kind string, n int) {
	if regOK.Load() {
		requestsInFlight.WithLabelValues(kind).Set(float64(n))
	}
}

func ObserveRequest(kind, method string, seconds float64) {
	if regOK.Load() {
		requestDuration.WithLabelValues(kind, method).Observe(seconds)
	}
}

func IncRequestError(kind, class string) {
	if regOK.Load() {
		requestErrors.WithLabelValues(kind, class).Inc()
	}
}
