// Package telemetry holds the Prometheus instruments of the scheduler and executor.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pingrobot/internal/models"
)

const (
	// Namespace prefixes every pingrobot metric.
	Namespace = "pingrobot"
)

// Skip reasons reported by ScheduleSkipped.
const (
	SkipInFlight  = "in_flight"
	SkipQueueFull = "queue_full"
)

// Metrics holds all Prometheus instruments. A nil *Metrics records nothing.
type Metrics struct {
	AttemptsTotal         *prometheus.CounterVec
	AttemptLatencySeconds prometheus.Histogram
	TicksTotal            prometheus.Counter
	TickDurationSeconds   prometheus.Histogram
	SchedulesDispatched   prometheus.Counter
	SchedulesSkipped      *prometheus.CounterVec
	SchedulesExpired      prometheus.Counter
	ExecutionsInFlight    prometheus.Gauge
	StoreErrorsTotal      *prometheus.CounterVec
}

// New creates and registers all instruments on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initExecutorMetrics(factory)
	m.initSchedulerMetrics(factory)
	return m
}

func (m *Metrics) initExecutorMetrics(factory promauto.Factory) {
	m.AttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Total number of ping attempts by error type (none for success)",
		},
		[]string{"error_type"},
	)

	m.AttemptLatencySeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "executor",
			Name:      "attempt_latency_seconds",
			Help:      "Latency of ping attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)
}

func (m *Metrics) initSchedulerMetrics(factory promauto.Factory) {
	m.TicksTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total number of scheduler ticks",
	})

	m.TickDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Time spent selecting and dispatching due schedules per tick",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	m.SchedulesDispatched = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "schedules_dispatched_total",
		Help:      "Total number of due schedules handed to a worker",
	})

	m.SchedulesSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "schedules_skipped_total",
			Help:      "Total number of active schedules not dispatched on a tick",
		},
		[]string{"reason"},
	)

	m.SchedulesExpired = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "schedules_expired_total",
		Help:      "Total number of schedules paused because their window closed",
	})

	m.ExecutionsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "executions_in_flight",
		Help:      "Number of ping executions currently running",
	})

	m.StoreErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "store_errors_total",
			Help:      "Total number of store failures seen by the scheduler",
		},
		[]string{"op"},
	)
}

// ObserveAttempt records one attempt outcome.
func (m *Metrics) ObserveAttempt(a models.Attempt) {
	if m == nil {
		return
	}
	label := string(a.ErrorType)
	if a.ErrorType == models.ErrorNone {
		label = "none"
	}
	m.AttemptsTotal.WithLabelValues(label).Inc()
	m.AttemptLatencySeconds.Observe(a.LatencyMS / 1000)
}

// ObserveTick records one completed tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDurationSeconds.Observe(d.Seconds())
}

// Dispatched counts a schedule handed to a worker.
func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.SchedulesDispatched.Inc()
}

// Skipped counts an active schedule left for a later tick.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.SchedulesSkipped.WithLabelValues(reason).Inc()
}

// Expired counts schedules paused by lazy expiry.
func (m *Metrics) Expired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.SchedulesExpired.Add(float64(n))
}

// ExecutionStarted and ExecutionDone track the in-flight gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Inc()
}

func (m *Metrics) ExecutionDone() {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Dec()
}

// StoreError counts a failed store operation.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}
