package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap/zaptest"
)

// flaky fails on the TODs in bad.
type flaky struct {
	routine.Base
	bad map[todlist.ID]bool
}

func (f *flaky) Execute(ctx context.Context, rc *routine.Context) error {
	if f.bad[rc.TOD] {
		return errors.New("corrupt TOD")
	}
	return nil
}

func newFlaky(bad ...todlist.ID) *flaky {
	f := &flaky{Base: routine.NewBase(routine.Config{Name: "flaky"}, nil), bad: map[todlist.ID]bool{}}
	for _, id := range bad {
		f.bad[id] = true
	}
	return f
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), "labels", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func runLoop(t *testing.T, led *Ledger, cfg loop.Config, list todlist.List, r routine.Routine, start, end int) *loop.Report {
	t.Helper()
	l, err := loop.New(cfg, loop.WithObserver(led), loop.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, l.AddTODs(list...))
	require.NoError(t, l.AddRoutine(r))
	report, _ := l.Run(context.Background(), start, end)
	require.NotNil(t, report)
	return report
}

func TestLedgerRecordsSkippedTODs(t *testing.T) {
	led := openTestLedger(t)
	list := todlist.List{"a", "b", "c", "d"}
	cfg := loop.DefaultConfig().WithFailurePolicy(loop.SkipAndContinue)

	report := runLoop(t, led, cfg, list, newFlaky("b"), 0, 4)
	ctx := context.Background()

	run, err := led.Run(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "labels", run.Pipeline)
	assert.Equal(t, 0, run.Start)
	assert.Equal(t, 4, run.End)
	assert.Equal(t, "flaky", run.Routines)
	assert.Equal(t, loop.StateDone.String(), run.State)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	tods, err := led.TODs(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, tods, 4)
	assert.Equal(t, todlist.ID("b"), tods[1].TOD)
	assert.Equal(t, loop.StatusIncomplete, tods[1].Status)
	assert.Contains(t, tods[1].Error, "corrupt TOD")

	pending, err := led.Pending(ctx, report.RunID, list)
	require.NoError(t, err)
	assert.Equal(t, []todlist.ID{"b"}, pending)
}

func TestLedgerPendingIncludesUnreachedTODs(t *testing.T) {
	led := openTestLedger(t)
	list := todlist.List{"a", "b", "c", "d"}

	report := runLoop(t, led, loop.DefaultConfig(), list, newFlaky("b"), 1, 4)
	ctx := context.Background()

	run, err := led.Run(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, loop.StateFailed.String(), run.State)
	assert.NotEmpty(t, run.Error)

	pending, err := led.Pending(ctx, report.RunID, list)
	require.NoError(t, err)
	assert.Equal(t, []todlist.ID{"b", "c", "d"}, pending)
}

func TestLedgerRuns(t *testing.T) {
	led := openTestLedger(t)
	list := todlist.List{"a"}
	runLoop(t, led, loop.DefaultConfig(), list, newFlaky(), 0, 1)
	runLoop(t, led, loop.DefaultConfig(), list, newFlaky(), 0, 1)

	runs, err := led.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestLedgerRunNotFound(t *testing.T) {
	led := openTestLedger(t)
	_, err := led.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = led.Pending(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLedgerPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	led, err := Open(path, "p", nil)
	require.NoError(t, err)
	report := runLoop(t, led, loop.DefaultConfig(), todlist.List{"a"}, newFlaky(), 0, 1)
	require.NoError(t, led.Close())

	led, err = Open(path, "p", nil)
	require.NoError(t, err)
	defer led.Close()

	tods, err := led.TODs(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Len(t, tods, 1)
}

func TestLedgerPendingFollowsResumedRuns(t *testing.T) {
	led := openTestLedger(t)
	list := todlist.List{"a", "b", "c", "d"}
	cfg := loop.DefaultConfig().WithFailurePolicy(loop.SkipAndContinue)
	ctx := context.Background()

	first := runLoop(t, led, cfg, list, newFlaky("b", "c"), 0, 4)
	pending, err := led.Pending(ctx, first.RunID, list)
	require.NoError(t, err)
	require.Equal(t, []todlist.ID{"b", "c"}, pending)

	// The resumed run fixes b; c still fails.
	l, err := loop.New(cfg,
		loop.WithObserver(led),
		loop.WithResume(first.RunID, pending...),
		loop.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, l.AddTODs(list...))
	require.NoError(t, l.AddRoutine(newFlaky("c")))
	second, err := l.Run(ctx, 0, 4)
	require.NoError(t, err)

	run, err := led.Run(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, run.ResumedFrom)

	tods, err := led.TODs(ctx, second.RunID)
	require.NoError(t, err)
	require.Len(t, tods, 2)
	assert.Equal(t, 1, tods[0].Index)
	assert.Equal(t, 2, tods[1].Index)

	pending, err = led.Pending(ctx, second.RunID, list)
	require.NoError(t, err)
	assert.Equal(t, []todlist.ID{"c"}, pending)
}
