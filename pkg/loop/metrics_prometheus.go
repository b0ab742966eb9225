package loop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exports loop metrics to a Prometheus registry.
type PrometheusMetrics struct {
	tods            *prometheus.CounterVec
	todDuration     prometheus.Histogram
	routineDuration *prometheus.HistogramVec
	routineErrors   *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		tods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todloop_tods_total",
			Help: "TODs processed, by completion status",
		}, []string{"status"}),
		todDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "todloop_tod_duration_seconds",
			Help:    "Time spent running every routine on one TOD",
			Buckets: prometheus.DefBuckets,
		}),
		routineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todloop_routine_duration_seconds",
			Help:    "Duration of routine lifecycle calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"routine", "phase"}),
		routineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todloop_routine_errors_total",
			Help: "Failed routine lifecycle calls",
		}, []string{"routine", "phase"}),
	}

	for _, c := range []prometheus.Collector{m.tods, m.todDuration, m.routineDuration, m.routineErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordTOD records a finished TOD.
func (m *PrometheusMetrics) RecordTOD(status string, d time.Duration) {
	m.tods.WithLabelValues(status).Inc()
	m.todDuration.Observe(d.Seconds())
}

// RecordRoutine records a routine call.
func (m *PrometheusMetrics) RecordRoutine(routine string, phase Phase, d time.Duration, err error) {
	m.routineDuration.WithLabelValues(routine, string(phase)).Observe(d.Seconds())
	if err != nil {
		m.routineErrors.WithLabelValues(routine, string(phase)).Inc()
	}
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)
