package loop

import (
	"sync/atomic"
	"time"
)

// MetricsCollector records TOD and routine timings. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	// RecordTOD records a finished TOD with StatusComplete or StatusIncomplete.
	RecordTOD(status string, d time.Duration)

	// RecordRoutine records one lifecycle call of a routine.
	RecordRoutine(routine string, phase Phase, d time.Duration, err error)
}

// Metrics is a snapshot of DefaultMetricsCollector.
type Metrics struct {
	TODsCompleted   int64
	TODsIncomplete  int64
	RoutineCalls    int64
	RoutineErrors   int64
	TODProcessingNs int64
}

// DefaultMetricsCollector is a thread-safe in-memory MetricsCollector.
type DefaultMetricsCollector struct {
	completed     atomic.Int64
	incomplete    atomic.Int64
	routineCalls  atomic.Int64
	routineErrors atomic.Int64
	todTime       atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

// RecordTOD records a finished TOD.
func (m *DefaultMetricsCollector) RecordTOD(status string, d time.Duration) {
	if status == StatusComplete {
		m.completed.Add(1)
	} else {
		m.incomplete.Add(1)
	}
	m.todTime.Add(int64(d))
}

// RecordRoutine records a routine call.
func (m *DefaultMetricsCollector) RecordRoutine(routine string, phase Phase, d time.Duration, err error) {
	m.routineCalls.Add(1)
	if err != nil {
		m.routineErrors.Add(1)
	}
}

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		TODsCompleted:   m.completed.Load(),
		TODsIncomplete:  m.incomplete.Load(),
		RoutineCalls:    m.routineCalls.Load(),
		RoutineErrors:   m.routineErrors.Load(),
		TODProcessingNs: m.todTime.Load(),
	}
}

// AverageTODTime returns the mean processing time per TOD.
func (m *DefaultMetricsCollector) AverageTODTime() time.Duration {
	n := m.completed.Load() + m.incomplete.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.todTime.Load() / n)
}

// FailureRate returns the share of incomplete TODs as a percentage.
func (m *DefaultMetricsCollector) FailureRate() float64 {
	incomplete := m.incomplete.Load()
	total := m.completed.Load() + incomplete
	if total == 0 {
		return 0
	}
	return float64(incomplete) / float64(total) * 100
}

// Reset resets all metrics.
func (m *DefaultMetricsCollector) Reset() {
	m.completed.Store(0)
	m.incomplete.Store(0)
	m.routineCalls.Store(0)
	m.routineErrors.Store(0)
	m.todTime.Store(0)
}

var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

// NoOpMetricsCollector is a metrics collector that does nothing.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordTOD(status string, d time.Duration)                             {}
func (NoOpMetricsCollector) RecordRoutine(routine string, phase Phase, d time.Duration, err error) {}

var _ MetricsCollector = NoOpMetricsCollector{}
