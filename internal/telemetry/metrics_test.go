package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"pingrobot/internal/models"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	code := 200
	m.ObserveAttempt(models.Attempt{StatusCode: &code, LatencyMS: 12.5})
	m.ObserveAttempt(models.Attempt{ErrorType: models.ErrorTimeout, LatencyMS: 10000})
	m.ObserveAttempt(models.Attempt{ErrorType: models.ErrorTimeout})
	m.ObserveTick(3 * time.Millisecond)
	m.Dispatched()
	m.Skipped(SkipInFlight)
	m.Skipped(SkipQueueFull)
	m.Skipped(SkipQueueFull)
	m.Expired(2)
	m.Expired(0)
	m.ExecutionStarted()
	m.ExecutionStarted()
	m.ExecutionDone()
	m.StoreError("list_active")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulesDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulesSkipped.WithLabelValues(SkipInFlight)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SchedulesSkipped.WithLabelValues(SkipQueueFull)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SchedulesExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrorsTotal.WithLabelValues("list_active")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AttemptLatencySeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt(models.Attempt{})
		m.ObserveTick(time.Second)
		m.Dispatched()
		m.Skipped(SkipInFlight)
		m.Expired(1)
		m.ExecutionStarted()
		m.ExecutionDone()
		m.StoreError("x")
	})
}
