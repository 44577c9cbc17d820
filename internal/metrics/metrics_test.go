package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordReservation("granted")
	m.RecordReservation("granted")
	m.RecordReservation("rejected")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reservations.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues("rejected")))

	m.RecordAttempt("openai", "gpt-4o-mini", "timeout", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("openai", "gpt-4o-mini", "timeout")))

	m.RecordOutcome("success", 120*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("success")))

	m.ObserveSweep(3, nil)
	m.ObserveSweep(0, errors.New("redis down"))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepErrors))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReservation("granted")
		m.RecordAttempt("p", "m", "success", time.Millisecond)
		m.RecordOutcome("success", time.Millisecond)
		m.RecordThresholdAlert("daily")
		m.RecordUsageAppend("appended")
		m.ObserveSweep(1, nil)
	})
}
