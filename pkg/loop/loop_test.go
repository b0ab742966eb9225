package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/store"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap/zaptest"
)

// journal records lifecycle calls across routines in call order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) count(event string) int {
	n := 0
	for _, e := range j.list() {
		if e == event {
			n++
		}
	}
	return n
}

// spy is a configurable routine used by the loop tests.
type spy struct {
	routine.Base
	journal *journal

	initErr     error
	finalizeErr error
	execute     func(p *spy, rc *routine.Context) error
}

func newSpy(name string, j *journal, inputs, outputs routine.KeyMap) *spy {
	return &spy{
		Base:    routine.NewBase(routine.Config{Name: name, Inputs: inputs, Outputs: outputs}, nil),
		journal: j,
	}
}

func (p *spy) Initialize(ctx context.Context) error {
	p.journal.add("%s.init", p.Name())
	return p.initErr
}

func (p *spy) Execute(ctx context.Context, rc *routine.Context) error {
	p.journal.add("%s.exec(%s)", p.Name(), rc.TOD)
	if p.execute != nil {
		return p.execute(p, rc)
	}
	return nil
}

func (p *spy) Resume(previousRunID string) {
	p.journal.add("%s.resume(%s)", p.Name(), previousRunID)
}

func (p *spy) Finalize(ctx context.Context) error {
	p.journal.add("%s.final", p.Name())
	return p.finalizeErr
}

func newTestLoop(t *testing.T, cfg Config, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	l, err := New(cfg, opts...)
	require.NoError(t, err)
	return l
}

func addTODs(t *testing.T, l *Loop, n int) {
	t.Helper()
	ids := make([]todlist.ID, n)
	for i := range ids {
		ids[i] = todlist.ID(fmt.Sprintf("tod-%d", i))
	}
	require.NoError(t, l.AddTODs(ids...))
}

func TestRunLifecycleOrder(t *testing.T) {
	j := &journal{}
	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(newSpy("a", j, nil, nil)))
	require.NoError(t, l.AddRoutine(newSpy("b", j, nil, nil)))

	report, err := l.Run(context.Background(), 0, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a.init", "b.init",
		"a.exec(tod-0)", "b.exec(tod-0)",
		"a.exec(tod-1)", "b.exec(tod-1)",
		"a.final", "b.final",
	}, j.list())
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, StateDone, l.State())
	assert.Equal(t, []todlist.ID{"tod-0", "tod-1"}, report.Processed())
	assert.Empty(t, report.Failed())
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []string{"a", "b"}, report.Routines)
}

func TestRunEmptyWindowStillInitializesAndFinalizes(t *testing.T) {
	for _, window := range [][2]int{{1, 1}, {2, 1}} {
		t.Run(fmt.Sprintf("%d-%d", window[0], window[1]), func(t *testing.T) {
			j := &journal{}
			l := newTestLoop(t, DefaultConfig())
			addTODs(t, l, 3)
			require.NoError(t, l.AddRoutine(newSpy("a", j, nil, nil)))

			report, err := l.Run(context.Background(), window[0], window[1])
			require.NoError(t, err)
			assert.Equal(t, []string{"a.init", "a.final"}, j.list())
			assert.Empty(t, report.Results)
		})
	}
}

func TestRunZeroLengthList(t *testing.T) {
	j := &journal{}
	l := newTestLoop(t, DefaultConfig())
	require.NoError(t, l.AddRoutine(newSpy("a", j, nil, nil)))
	require.NoError(t, l.AddRoutine(newSpy("b", j, nil, nil)))

	report, err := l.Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.init", "b.init", "a.final", "b.final"}, j.list())
	assert.Equal(t, StateDone, report.State)
}

func TestRunWithNoRoutines(t *testing.T) {
	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 2)

	report, err := l.Run(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Len(t, report.Processed(), 2)
}

func TestRunRangeErrorBeforeAnyRoutine(t *testing.T) {
	j := &journal{}
	obs := &recordingObserver{}
	l := newTestLoop(t, DefaultConfig(), WithObserver(obs))
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(newSpy("a", j, nil, nil)))

	report, err := l.Run(context.Background(), 0, 4)
	var rerr *todlist.RangeError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, 3, rerr.Len)
	assert.Empty(t, j.list())
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, obs.started)
}

func TestRunDataFlowsBetweenRoutines(t *testing.T) {
	j := &journal{}
	a := newSpy("a", j, nil, routine.KeyMap{"out": "k1"})
	a.execute = func(p *spy, rc *routine.Context) error {
		return p.Output(rc, "out", 42)
	}

	var seen []int
	b := newSpy("b", j, routine.KeyMap{"in": "k1"}, nil)
	b.execute = func(p *spy, rc *routine.Context) error {
		v, err := routine.InputAs[int](&p.Base, rc, "in")
		if err != nil {
			return err
		}
		seen = append(seen, v)
		return nil
	}

	c := newSpy("c", j, nil, nil)

	l := newTestLoop(t, DefaultConfig().WithValidateWiring(true))
	addTODs(t, l, 2)
	require.NoError(t, l.AddRoutine(a))
	require.NoError(t, l.AddRoutine(b))
	require.NoError(t, l.AddRoutine(c))

	_, err := l.Run(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 42}, seen)
	assert.Equal(t, 2, j.count("c.exec(tod-0)")+j.count("c.exec(tod-1)"))
}

func TestRunStoreIsFreshPerTOD(t *testing.T) {
	j := &journal{}
	var sizes []int
	writer := newSpy("writer", j, nil, routine.KeyMap{"out": "scratch"})
	writer.execute = func(p *spy, rc *routine.Context) error {
		sizes = append(sizes, rc.Store.Len())
		if rc.Store.Has("scratch") {
			return errors.New("leaked key from previous TOD")
		}
		return p.Output(rc, "out", rc.TOD)
	}

	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(writer))

	_, err := l.Run(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, sizes)
}

func TestRunMissingKeyAbortsWithContext(t *testing.T) {
	j := &journal{}
	reader := newSpy("reader", j, routine.KeyMap{"in": "absent"}, nil)
	reader.execute = func(p *spy, rc *routine.Context) error {
		_, err := p.Input(rc, "in")
		return err
	}
	after := newSpy("after", j, nil, nil)

	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(reader))
	require.NoError(t, l.AddRoutine(after))

	report, err := l.Run(context.Background(), 0, 3)
	require.Error(t, err)

	var rerr *RoutineExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "reader", rerr.Routine)
	assert.Equal(t, PhaseExecute, rerr.Phase)
	assert.Equal(t, todlist.ID("tod-0"), rerr.TOD)
	assert.Equal(t, 0, rerr.Index)
	assert.True(t, errors.Is(err, store.ErrKeyNotFound))

	assert.Zero(t, j.count("after.exec(tod-0)"))
	assert.Zero(t, j.count("reader.exec(tod-1)"))
	assert.Equal(t, 1, j.count("reader.final"))
	assert.Equal(t, 1, j.count("after.final"))
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, []todlist.ID{"tod-0"}, report.Failed())
}

func TestRunSkipAndContinue(t *testing.T) {
	j := &journal{}
	flaky := newSpy("flaky", j, nil, nil)
	flaky.execute = func(p *spy, rc *routine.Context) error {
		if rc.TOD == "tod-1" {
			return errors.New("bad TOD")
		}
		return nil
	}
	after := newSpy("after", j, nil, nil)

	metrics := NewMetricsCollector()
	l := newTestLoop(t, DefaultConfig().WithFailurePolicy(SkipAndContinue), WithMetrics(metrics))
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(flaky))
	require.NoError(t, l.AddRoutine(after))

	report, err := l.Run(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, []todlist.ID{"tod-0", "tod-2"}, report.Processed())
	assert.Equal(t, []todlist.ID{"tod-1"}, report.Failed())
	assert.Zero(t, j.count("after.exec(tod-1)"))
	assert.Equal(t, 1, j.count("after.exec(tod-2)"))

	m := metrics.GetMetrics()
	assert.Equal(t, int64(2), m.TODsCompleted)
	assert.Equal(t, int64(1), m.TODsIncomplete)
	assert.Equal(t, int64(1), m.RoutineErrors)
}

func TestRunInitializeFailureFinalizesInitializedOnly(t *testing.T) {
	j := &journal{}
	a := newSpy("a", j, nil, nil)
	b := newSpy("b", j, nil, nil)
	b.initErr = errors.New("no calibration")
	c := newSpy("c", j, nil, nil)

	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 2)
	for _, r := range []routine.Routine{a, b, c} {
		require.NoError(t, l.AddRoutine(r))
	}

	report, err := l.Run(context.Background(), 0, 2)
	require.Error(t, err)

	var rerr *RoutineExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "b", rerr.Routine)
	assert.Equal(t, PhaseInitialize, rerr.Phase)
	assert.Equal(t, []string{"a.init", "b.init", "a.final"}, j.list())
	assert.Equal(t, StateFailed, report.State)
}

func TestRunFinalizeErrorsAreJoined(t *testing.T) {
	j := &journal{}
	a := newSpy("a", j, nil, nil)
	a.finalizeErr = errors.New("flush a")
	b := newSpy("b", j, nil, nil)
	b.finalizeErr = errors.New("flush b")
	c := newSpy("c", j, nil, nil)

	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 1)
	for _, r := range []routine.Routine{a, b, c} {
		require.NoError(t, l.AddRoutine(r))
	}

	_, err := l.Run(context.Background(), 0, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush a")
	assert.Contains(t, err.Error(), "flush b")
	assert.Equal(t, 1, j.count("c.final"))
}

func TestRunPanicBecomesError(t *testing.T) {
	j := &journal{}
	p := newSpy("boom", j, nil, nil)
	p.execute = func(p *spy, rc *routine.Context) error {
		panic("nil detector table")
	}

	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 1)
	require.NoError(t, l.AddRoutine(p))

	_, err := l.Run(context.Background(), 0, 1)
	assert.True(t, errors.Is(err, ErrRoutinePanic))
	assert.Equal(t, 1, j.count("boom.final"))
}

func TestRunTwiceReturnsErrAlreadyRun(t *testing.T) {
	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 1)

	_, err := l.Run(context.Background(), 0, 1)
	require.NoError(t, err)

	report, err := l.Run(context.Background(), 0, 1)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrAlreadyRun)
	assert.ErrorIs(t, l.AddTODs("late"), ErrAlreadyRun)
}

func TestRunCancelledBetweenTODs(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newSpy("p", j, nil, nil)
	p.execute = func(p *spy, rc *routine.Context) error {
		if rc.Index == 0 {
			cancel()
		}
		return nil
	}

	l := newTestLoop(t, DefaultConfig())
	addTODs(t, l, 3)
	require.NoError(t, l.AddRoutine(p))

	report, err := l.Run(ctx, 0, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []todlist.ID{"tod-0"}, report.Processed())
	assert.Equal(t, 1, j.count("p.final"))
}

func TestAddRoutineRejectsDuplicatesAndNil(t *testing.T) {
	l := newTestLoop(t, DefaultConfig())
	j := &journal{}
	require.NoError(t, l.AddRoutine(newSpy("a", j, nil, nil)))
	assert.ErrorIs(t, l.AddRoutine(newSpy("a", j, nil, nil)), ErrDuplicateRoutine)
	assert.ErrorIs(t, l.AddRoutine(nil), ErrNilRoutine)
	assert.Len(t, l.Routines(), 1)
}

func TestRunWiringValidationFailsBeforeInitialize(t *testing.T) {
	j := &journal{}
	l := newTestLoop(t, DefaultConfig().WithValidateWiring(true))
	addTODs(t, l, 1)
	require.NoError(t, l.AddRoutine(newSpy("b", j, routine.KeyMap{"in": "k1"}, nil)))
	require.NoError(t, l.AddRoutine(newSpy("a", j, nil, routine.KeyMap{"out": "k1"})))

	_, err := l.Run(context.Background(), 0, 1)
	var werr *WiringError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, []MissingInput{{Routine: "b", Logical: "in", Key: "k1"}}, werr.Missing)
	assert.Empty(t, j.list())
}

func TestRunAutoOrder(t *testing.T) {
	j := &journal{}
	l := newTestLoop(t, DefaultConfig().WithAutoOrder(true).WithValidateWiring(true))
	addTODs(t, l, 1)
	require.NoError(t, l.AddRoutine(newSpy("b", j, routine.KeyMap{"in": "k1"}, nil)))
	require.NoError(t, l.AddRoutine(newSpy("a", j, nil, routine.KeyMap{"out": "k1"})))

	report, err := l.Run(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Routines)
	assert.Equal(t, []string{"a.init", "b.init", "a.exec(tod-0)", "b.exec(tod-0)", "a.final", "b.final"}, j.list())
}

func TestAddTODList(t *testing.T) {
	l := newTestLoop(t, DefaultConfig())
	err := l.AddTODList(context.Background(), todlist.FileSource{Path: t.TempDir() + "/missing.txt"})
	assert.ErrorIs(t, err, todlist.ErrListLoad)
	assert.Empty(t, l.TODs())
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(Config{FailurePolicy: FailurePolicy(7)})
	assert.Error(t, err)

	l, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Config().Workers)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("Skip")
	require.NoError(t, err)
	assert.Equal(t, SkipAndContinue, p)

	p, err = ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, AbortAll, p)

	_, err = ParseFailurePolicy("retry")
	assert.Error(t, err)
}

type recordingObserver struct {
	NoOpObserver
	mu       sync.Mutex
	started  int
	finished int
	tods     []TODResult
	report   *Report
}

func (o *recordingObserver) RunStarted(ctx context.Context, info RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) TODFinished(ctx context.Context, runID string, result TODResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tods = append(o.tods, result)
}

func (o *recordingObserver) RunFinished(ctx context.Context, report *Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	o.report = report
}

func TestObserverNotifications(t *testing.T) {
	obs := &recordingObserver{}
	l := newTestLoop(t, DefaultConfig(), WithObserver(obs))
	addTODs(t, l, 2)
	require.NoError(t, l.AddRoutine(newSpy("a", &journal{}, nil, nil)))

	report, err := l.Run(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.finished)
	assert.Len(t, obs.tods, 2)
	assert.Same(t, report, obs.report)
}
