package loop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/todlist"
)

func TestRunResumeKeepsListIndices(t *testing.T) {
	j := &journal{}
	var indices []int
	p := newSpy("p", j, nil, nil)
	p.execute = func(p *spy, rc *routine.Context) error {
		indices = append(indices, rc.Index)
		return nil
	}

	obs := &recordingObserver{}
	l := newTestLoop(t, DefaultConfig(), WithResume("run-1", "tod-3", "tod-1"), WithObserver(obs))
	addTODs(t, l, 5)
	require.NoError(t, l.AddRoutine(p))

	report, err := l.Run(context.Background(), 0, 5)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"p.resume(run-1)",
		"p.init",
		"p.exec(tod-1)",
		"p.exec(tod-3)",
		"p.final",
	}, j.list())
	assert.Equal(t, []int{1, 3}, indices)
	assert.Equal(t, []todlist.ID{"tod-1", "tod-3"}, report.Processed())
	assert.Equal(t, "run-1", report.ResumedFrom)
	assert.Equal(t, 0, report.Start)
	assert.Equal(t, 5, report.End)
	require.Len(t, obs.tods, 2)
	assert.Equal(t, 3, obs.tods[1].Index)
}

func TestRunResumeNothingPending(t *testing.T) {
	j := &journal{}
	l := newTestLoop(t, DefaultConfig(), WithResume("run-1"))
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(newSpy("p", j, nil, nil)))

	report, err := l.Run(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Equal(t, []string{"p.resume(run-1)", "p.init", "p.final"}, j.list())
}

func TestRunResumeOutsideWindow(t *testing.T) {
	j := &journal{}
	obs := &recordingObserver{}
	l := newTestLoop(t, DefaultConfig(), WithResume("run-1", "tod-4"), WithObserver(obs))
	addTODs(t, l, 5)
	require.NoError(t, l.AddRoutine(newSpy("p", j, nil, nil)))

	report, err := l.Run(context.Background(), 0, 2)
	assert.ErrorIs(t, err, ErrResumeOutsideWindow)
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, j.list())
	assert.Zero(t, obs.started)
}

func TestParallelResumeKeepsListIndices(t *testing.T) {
	j := &journal{}
	builder := func() ([]routine.Routine, error) {
		return []routine.Routine{newSpy("p", j, nil, nil)}, nil
	}
	l := newTestLoop(t, DefaultConfig().WithWorkers(2),
		WithResume("run-1", "tod-2", "tod-5", "tod-7"),
		WithRoutineSetBuilder(builder))
	addTODs(t, l, 8)
	require.NoError(t, l.AddRoutine(newSpy("p", j, nil, nil)))

	report, err := l.Run(context.Background(), 0, 8)
	require.NoError(t, err)

	var indices []int
	for _, res := range report.Results {
		indices = append(indices, res.Index)
	}
	assert.Equal(t, []int{2, 5, 7}, indices)
	assert.Equal(t, 2, j.count("p.resume(run-1)"))
	assert.Equal(t, 2, j.count("p.final"))
}

func TestModifyWhileRunning(t *testing.T) {
	j := &journal{}
	var l *Loop
	var addErr, runErr error
	p := newSpy("p", j, nil, nil)
	p.execute = func(p *spy, rc *routine.Context) error {
		addErr = l.AddTODs("late")
		_, runErr = l.Run(context.Background(), 0, 1)
		return nil
	}

	l = newTestLoop(t, DefaultConfig())
	addTODs(t, l, 1)
	require.NoError(t, l.AddRoutine(p))

	_, err := l.Run(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, addErr, ErrRunning)
	assert.ErrorIs(t, runErr, ErrRunning)
	assert.ErrorIs(t, l.AddTODs("later"), ErrAlreadyRun)
	assert.True(t, l.State().Terminal())
}

func TestParallelBuilderFailureNotifiesNothing(t *testing.T) {
	var finalized []int
	obs := &recordingObserver{}
	l := newTestLoop(t, DefaultConfig().WithWorkers(2),
		WithObserver(obs),
		WithRoutineSetBuilder(func() ([]routine.Routine, error) {
			return nil, errors.New("no storage")
		}))
	addTODs(t, l, 4)
	require.NoError(t, l.AddRoutine(newCounter(&finalized, "")))

	report, err := l.Run(context.Background(), 0, 4)
	assert.ErrorContains(t, err, "no storage")
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, obs.started)
	assert.Zero(t, obs.finished)
	assert.Empty(t, finalized)
}
