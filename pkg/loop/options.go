package loop

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures optional collaborators of a Loop.
type Option func(*Loop)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTracer sets the tracer used for run, TOD and routine spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Loop) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(l *Loop) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithObserver adds a lifecycle observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		l.observers.add(o)
	}
}

// WithRoutineSetBuilder sets the builder used for workers beyond the first
// in parallel mode.
func WithRoutineSetBuilder(b RoutineSetBuilder) Option {
	return func(l *Loop) {
		l.builder = b
	}
}
