package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/storage"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap/zaptest"
)

func TestNewFactoryRegistersBuiltins(t *testing.T) {
	f := NewFactory(Dependencies{}, nil)
	assert.ElementsMatch(t, []string{"constant", "script", "summary"}, f.RegisteredTypes())

	local, err := storage.NewLocalClient(t.TempDir(), nil)
	require.NoError(t, err)
	f = NewFactory(Dependencies{Storage: local}, nil)
	assert.ElementsMatch(t, []string{"constant", "export", "loader", "script", "summary"}, f.RegisteredTypes())
}

// TestPipelineEndToEnd runs loader -> script -> summary -> export in
// parallel and reads back the result file.
func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	local, err := storage.NewLocalClient(t.TempDir(), logger)
	require.NoError(t, err)

	ids := []string{"t0", "t1", "t2", "t3", "t4"}
	for i, id := range ids {
		data, _ := json.Marshal(map[string]any{"samples": i * 10})
		_, err := local.Upload(ctx, "tods/"+id+".json", data, nil)
		require.NoError(t, err)
	}

	configs := []routine.Config{
		{Type: "loader", Outputs: routine.KeyMap{"tod": "tod"}, Params: json.RawMessage(`{"pattern": "tods/%s.json", "format": "json"}`)},
		{Name: "double", Type: "script", Inputs: routine.KeyMap{"tod": "tod"}, Outputs: routine.KeyMap{"doubled": "doubled"},
			Params: json.RawMessage(`{"script": "function execute(i) { return { doubled: i.tod.samples * 2 }; }"}`)},
		{Type: "summary", Inputs: routine.KeyMap{"doubled": "doubled"}, Outputs: routine.KeyMap{"report": "report"}},
		{Type: "export", Inputs: routine.KeyMap{"report": "report"}, Params: json.RawMessage(`{"pipeline": "e2e", "group": "train"}`)},
	}

	f := NewFactory(Dependencies{Storage: local}, logger)
	primary, err := f.CreateAll(configs)
	require.NoError(t, err)

	l, err := loop.New(loop.DefaultConfig().WithWorkers(2),
		loop.WithLogger(logger),
		loop.WithRoutineSetBuilder(Builder(f, configs)))
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, l.AddTODs(todlist.ID(id)))
	}
	for _, r := range primary {
		require.NoError(t, l.AddRoutine(r))
	}

	report, err := l.Run(ctx, 0, len(ids))
	require.NoError(t, err)
	assert.Len(t, report.Processed(), 5)

	rows, err := storage.NewResultFileClient(local, logger).GetGroup(ctx, storage.ResultFilePath("e2e", "labels"), "train")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "t3", rows[3]["tod"])
	assert.EqualValues(t, 60, rows[3]["doubled"])
}
