// Package metrics exposes runtime observability data through a Prometheus
// registry. Every request outcome and every container state transition is
// recorded here; the dispatcher, warm pool, autoscaler, and reaper all
// report through this package so that the /metrics surface is the one
// complete view of the system.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	coldStartsTotal    prometheus.Counter
	warmStartsTotal    prometheus.Counter
	throttledTotal     *prometheus.CounterVec
	containersCreated  prometheus.Counter
	containersStopped  prometheus.Counter
	containersCrashed  prometheus.Counter
	containersRestored prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	invalidTransitions *prometheus.CounterVec

	queueWait     *prometheus.HistogramVec
	execDuration  *prometheus.HistogramVec
	startDuration *prometheus.HistogramVec

	containerStates *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec
	activeRequests  prometheus.Gauge
	desiredWarm     *prometheus.GaugeVec

	scaleDecisions *prometheus.CounterVec
}

// Default histogram buckets for durations (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var global *Metrics

// Init initializes the global metrics registry.
func Init(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of function invocations by outcome",
			},
			[]string{"function", "runtime", "outcome"},
		),
		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Total number of cold starts",
			},
		),
		warmStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Total number of warm container reuses",
			},
		),
		throttledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_total",
				Help:      "Admissions declined due to saturation",
			},
			[]string{"function"},
		),
		containersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "containers_created_total",
				Help:      "Total containers created",
			},
		),
		containersStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "containers_stopped_total",
				Help:      "Total containers soft-stopped",
			},
		),
		containersCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "containers_crashed_total",
				Help:      "Total containers that became unhealthy",
			},
		),
		containersRestored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "containers_restarted_total",
				Help:      "Total soft-stopped containers restarted",
			},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_transitions_total",
				Help:      "Container state transitions",
			},
			[]string{"from", "to"},
		),
		invalidTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_transitions_total",
				Help:      "Rejected container state transitions (invariant violations)",
			},
			[]string{"from", "to"},
		),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Time between submission and dispatch in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function"},
		),
		execDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_milliseconds",
				Help:      "Time between dispatch and response in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function", "cold_start"},
		),
		startDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "container_start_milliseconds",
				Help:      "Container start-to-registration duration in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000},
			},
			[]string{"function", "restart"},
		),

		containerStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "containers",
				Help:      "Current container count by function and state",
			},
			[]string{"function", "state"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current queue depth by function",
			},
			[]string{"function"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently active invocation requests",
			},
		),
		desiredWarm: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "autoscale_desired_warm",
				Help:      "Desired warm-total computed by the autoscaler",
			},
			[]string{"function"},
		),
		scaleDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "autoscale_decisions_total",
				Help:      "Autoscaler decisions by direction",
			},
			[]string{"function", "direction"},
		),
	}

	registry.MustRegister(
		m.invocationsTotal, m.coldStartsTotal, m.warmStartsTotal, m.throttledTotal,
		m.containersCreated, m.containersStopped, m.containersCrashed, m.containersRestored,
		m.transitionsTotal, m.invalidTransitions,
		m.queueWait, m.execDuration, m.startDuration,
		m.containerStates, m.queueDepth, m.activeRequests, m.desiredWarm,
		m.scaleDecisions,
	)

	global = m
}

// Global returns the global metrics instance, or nil when metrics are
// disabled. All Record* helpers are nil-safe.
func Global() *Metrics { return global }

// Handler returns the Prometheus text exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func RecordInvocation(function, runtime, outcome string) {
	if global == nil {
		return
	}
	global.invocationsTotal.WithLabelValues(function, runtime, outcome).Inc()
}

func RecordStart(cold bool) {
	if global == nil {
		return
	}
	if cold {
		global.coldStartsTotal.Inc()
	} else {
		global.warmStartsTotal.Inc()
	}
}

func RecordThrottle(function string) {
	if global == nil {
		return
	}
	global.throttledTotal.WithLabelValues(function).Inc()
}

func RecordContainerCreated() {
	if global == nil {
		return
	}
	global.containersCreated.Inc()
}

func RecordContainerStopped() {
	if global == nil {
		return
	}
	global.containersStopped.Inc()
}

func RecordContainerCrashed() {
	if global == nil {
		return
	}
	global.containersCrashed.Inc()
}

func RecordContainerRestarted() {
	if global == nil {
		return
	}
	global.containersRestored.Inc()
}

func RecordTransition(from, to string) {
	if global == nil {
		return
	}
	global.transitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordInvalidTransition(from, to string) {
	if global == nil {
		return
	}
	global.invalidTransitions.WithLabelValues(from, to).Inc()
}

func ObserveQueueWait(function string, d time.Duration) {
	if global == nil {
		return
	}
	global.queueWait.WithLabelValues(function).Observe(float64(d.Milliseconds()))
}

func ObserveExecution(function string, cold bool, d time.Duration) {
	if global == nil {
		return
	}
	label := "false"
	if cold {
		label = "true"
	}
	global.execDuration.WithLabelValues(function, label).Observe(float64(d.Milliseconds()))
}

func ObserveContainerStart(function string, restart bool, d time.Duration) {
	if global == nil {
		return
	}
	label := "false"
	if restart {
		label = "true"
	}
	global.startDuration.WithLabelValues(function, label).Observe(float64(d.Milliseconds()))
}

func SetContainerState(function, state string, n int) {
	if global == nil {
		return
	}
	global.containerStates.WithLabelValues(function, state).Set(float64(n))
}

func SetQueueDepth(function string, n int) {
	if global == nil {
		return
	}
	global.queueDepth.WithLabelValues(function).Set(float64(n))
}

func AddActiveRequests(delta int) {
	if global == nil {
		return
	}
	global.activeRequests.Add(float64(delta))
}

func SetDesiredWarm(function string, n int) {
	if global == nil {
		return
	}
	global.desiredWarm.WithLabelValues(function).Set(float64(n))
}

func RecordScaleDecision(function, direction string) {
	if global == nil {
		return
	}
	global.scaleDecisions.WithLabelValues(function, direction).Inc()
}

// DeleteFunctionSeries drops per-function series after a function is erased
// so the exposition does not accumulate dead label sets.
func DeleteFunctionSeries(function string) {
	if global == nil {
		return
	}
	global.containerStates.DeletePartialMatch(prometheus.Labels{"function": function})
	global.queueDepth.DeleteLabelValues(function)
	global.desiredWarm.DeleteLabelValues(function)
	global.throttledTotal.DeleteLabelValues(function)
}
