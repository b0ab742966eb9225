package summary

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/store"
	"go.uber.org/zap/zaptest"
)

func newSummary(t *testing.T, params string) *Summarize {
	t.Helper()
	cfg := routine.Config{
		Name:    "summary",
		Type:    Type,
		Inputs:  routine.KeyMap{"lf_live": "lf_live", "drift": "drift"},
		Outputs: routine.KeyMap{OutputReport: "report"},
	}
	if params != "" {
		cfg.Params = json.RawMessage(params)
	}
	r, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r.(*Summarize)
}

func TestSummarizeWritesReport(t *testing.T) {
	s := newSummary(t, "")
	rc := routine.NewContext("run", "tod-3", 3)
	rc.Store.Set("lf_live", 0.8)
	rc.Store.Set("drift", 1.5)

	require.NoError(t, s.Execute(context.Background(), rc))

	report, err := store.GetAs[map[string]any](rc.Store, "report")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tod": "tod-3", "index": 3, "lf_live": 0.8, "drift": 1.5}, report)
	assert.Len(t, s.Reports(), 1)
}

func TestSummarizeMissingInput(t *testing.T) {
	s := newSummary(t, "")
	rc := routine.NewContext("run", "tod", 0)
	rc.Store.Set("lf_live", 0.8)
	assert.ErrorIs(t, s.Execute(context.Background(), rc), store.ErrKeyNotFound)
	assert.Empty(t, s.Reports())
}

func TestSummarizeOptionalInput(t *testing.T) {
	s := newSummary(t, `{"optional": ["drift"]}`)
	rc := routine.NewContext("run", "tod", 0)
	rc.Store.Set("lf_live", 0.8)
	require.NoError(t, s.Execute(context.Background(), rc))

	report := s.Reports()[0]
	assert.Contains(t, report, "drift")
	assert.Nil(t, report["drift"])
}

func TestNewValidation(t *testing.T) {
	_, err := New(routine.Config{Name: "s"}, nil)
	assert.ErrorIs(t, err, routine.ErrInvalidConfig)

	_, err = New(routine.Config{
		Name:    "s",
		Outputs: routine.KeyMap{OutputReport: "r"},
		Params:  json.RawMessage(`{"optional": ["nope"]}`),
	}, nil)
	assert.ErrorIs(t, err, routine.ErrInvalidParams)
}

func TestSummarizeMergeOrdersByIndex(t *testing.T) {
	a := newSummary(t, `{"optional": ["lf_live", "drift"]}`)
	b := newSummary(t, `{"optional": ["lf_live", "drift"]}`)
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, routine.NewContext("run", "t2", 2)))
	require.NoError(t, a.Execute(ctx, routine.NewContext("run", "t0", 0)))
	require.NoError(t, b.Execute(ctx, routine.NewContext("run", "t1", 1)))

	require.NoError(t, a.Merge(ctx, b))
	reports := a.Reports()
	require.Len(t, reports, 3)
	for i, r := range reports {
		assert.Equal(t, i, r[FieldIndex])
	}

	assert.Error(t, a.Merge(ctx, &struct{ routine.Routine }{}))
}

func TestSummarizeInParallelLoop(t *testing.T) {
	build := func() (routine.Routine, error) {
		return New(routine.Config{
			Name:    "summary",
			Inputs:  routine.KeyMap{"x": "x"},
			Outputs: routine.KeyMap{OutputReport: "report"},
			Params:  json.RawMessage(`{"optional": ["x"]}`),
		}, zaptest.NewLogger(t))
	}
	primary, err := build()
	require.NoError(t, err)

	l, err := loop.New(loop.DefaultConfig().WithWorkers(3).WithValidateWiring(false),
		loop.WithLogger(zaptest.NewLogger(t)),
		loop.WithRoutineSetBuilder(func() ([]routine.Routine, error) {
			r, err := build()
			return []routine.Routine{r}, err
		}))
	require.NoError(t, err)
	require.NoError(t, l.AddTODs("a", "b", "c", "d", "e", "f", "g"))
	require.NoError(t, l.AddRoutine(primary))

	_, err = l.Run(context.Background(), 0, 7)
	require.NoError(t, err)

	reports := primary.(*Summarize).Reports()
	require.Len(t, reports, 7)
	assert.Equal(t, "a", reports[0][FieldTOD])
	assert.Equal(t, "g", reports[6][FieldTOD])
}
