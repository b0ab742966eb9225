package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/routine"
)

func TestDefaultMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()
	assert.Zero(t, m.AverageTODTime())
	assert.Zero(t, m.FailureRate())

	m.RecordTOD(StatusComplete, 2*time.Millisecond)
	m.RecordTOD(StatusComplete, 4*time.Millisecond)
	m.RecordTOD(StatusIncomplete, 6*time.Millisecond)
	m.RecordRoutine("a", PhaseExecute, time.Millisecond, nil)
	m.RecordRoutine("a", PhaseExecute, time.Millisecond, errors.New("boom"))

	got := m.GetMetrics()
	assert.Equal(t, int64(2), got.TODsCompleted)
	assert.Equal(t, int64(1), got.TODsIncomplete)
	assert.Equal(t, int64(2), got.RoutineCalls)
	assert.Equal(t, int64(1), got.RoutineErrors)
	assert.Equal(t, 4*time.Millisecond, m.AverageTODTime())
	assert.InDelta(t, 33.33, m.FailureRate(), 0.01)

	m.Reset()
	assert.Equal(t, Metrics{}, m.GetMetrics())
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	j := &journal{}
	failing := newSpy("failing", j, nil, nil)
	failing.execute = func(p *spy, rc *routine.Context) error {
		if rc.Index == 1 {
			return errors.New("bad TOD")
		}
		return nil
	}

	l := newTestLoop(t, DefaultConfig().WithFailurePolicy(SkipAndContinue), WithMetrics(m))
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(failing))

	_, err = l.Run(context.Background(), 0, 3)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tods.WithLabelValues(StatusComplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tods.WithLabelValues(StatusIncomplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routineErrors.WithLabelValues("failing", "execute")))

	// One series per phase.
	assert.Equal(t, 3, testutil.CollectAndCount(m.routineDuration))

	_, err = NewPrometheusMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}
