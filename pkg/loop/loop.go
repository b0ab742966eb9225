// Package loop drives a list of routines over an ordered list of TODs.
//
// A run initializes every routine once, executes every routine in order on
// each TOD in [start, end) against a fresh store, and finalizes every routine
// once, even when no TOD was processed or iteration stopped early.
//
//	l, _ := loop.New(loop.DefaultConfig(), loop.WithLogger(logger))
//	_ = l.AddTODList(ctx, todlist.FileSource{Path: "inputs/season.txt"})
//	_ = l.AddRoutine(loader)
//	_ = l.AddRoutine(summary)
//	report, err := l.Run(ctx, 0, 100)
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Loop owns a TOD list and an ordered list of routines. A Loop runs once.
type Loop struct {
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   MetricsCollector
	observers observers
	builder   RoutineSetBuilder
	resume    *resumption

	mu       sync.Mutex
	state    State
	ran      bool
	tods     todlist.List
	routines []routine.Routine
	names    map[string]struct{}
}

// New creates a loop. The configuration is validated and defaults applied.
func New(config Config, opts ...Option) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	l := &Loop{
		config:  config,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("todloop/loop"),
		metrics: NoOpMetricsCollector{},
		state:   StateInit,
		names:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the validated configuration.
func (l *Loop) Config() Config {
	return l.config
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// AddTODList loads the TOD list from src, replacing any list already set.
func (l *Loop) AddTODList(ctx context.Context, src todlist.Source) error {
	list, err := todlist.Load(ctx, src)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkMutable(); err != nil {
		return err
	}
	if len(l.tods) > 0 {
		l.logger.Warn("replacing TOD list",
			zap.Int("previous", len(l.tods)),
			zap.Int("current", len(list)))
	}
	l.tods = list
	l.logger.Info("loaded TOD list", zap.Stringer("source", src), zap.Int("tods", len(list)))
	return nil
}

// AddTODs appends identifiers to the TOD list.
func (l *Loop) AddTODs(ids ...todlist.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkMutable(); err != nil {
		return err
	}
	l.tods = append(l.tods, ids...)
	return nil
}

// AddRoutine appends a routine. Routines run in the order they were added.
func (l *Loop) AddRoutine(r routine.Routine) error {
	if r == nil {
		return ErrNilRoutine
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkMutable(); err != nil {
		return err
	}
	name := r.Name()
	if _, ok := l.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoutine, name)
	}
	l.names[name] = struct{}{}
	l.routines = append(l.routines, r)
	return nil
}

// checkMutable returns ErrRunning while a run is in progress and
// ErrAlreadyRun once it has ended. The caller holds l.mu.
func (l *Loop) checkMutable() error {
	switch {
	case !l.ran:
		return nil
	case l.state.Terminal():
		return ErrAlreadyRun
	default:
		return ErrRunning
	}
}

// Routines returns the registered routines in registration order.
func (l *Loop) Routines() []routine.Routine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]routine.Routine(nil), l.routines...)
}

// TODs returns a copy of the TOD list.
func (l *Loop) TODs() todlist.List {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(todlist.List(nil), l.tods...)
}

// Run processes the TODs in [start, end).
//
// The range is checked before any routine is called; an out-of-range window
// fails with a *todlist.RangeError. Initialization failures are fatal: the
// routines that initialized successfully are finalized and the rest are not.
// Execution failures follow the configured FailurePolicy. Every routine that
// was initialized is finalized exactly once; finalize errors are joined.
//
// Cancellation of ctx is checked between TODs. Finalize runs with a context
// detached from ctx's cancellation.
//
// With WithResume only the resumed TODs of the window are processed, each
// at its position in the list.
//
// The returned report is nil only when the loop has already run or is
// running.
func (l *Loop) Run(ctx context.Context, start, end int) (*Report, error) {
	l.mu.Lock()
	if err := l.checkMutable(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.ran = true
	routines := append([]routine.Routine(nil), l.routines...)
	tods := l.tods
	l.mu.Unlock()

	report := &Report{
		RunID:     uuid.NewString(),
		State:     StateInit,
		Start:     start,
		End:       end,
		StartedAt: time.Now(),
	}
	if l.resume != nil {
		report.ResumedFrom = l.resume.from
	}

	ctx, span := l.tracer.Start(ctx, "loop.Run",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.Int("run.start", start),
			attribute.Int("run.end", end),
			attribute.Int("run.workers", l.config.Workers),
		))
	defer span.End()

	plan, err := l.prepare(tods, routines, start, end)
	if err != nil {
		l.logger.Error("run rejected",
			zap.String("runID", report.RunID),
			zap.Int("start", start),
			zap.Int("end", end),
			zap.Error(err))
		return l.finish(ctx, span, report, err, false), err
	}

	report.Routines = routineNames(plan.routines)
	l.setState(StateRunning)
	report.State = StateRunning
	info := RunInfo{
		RunID:       report.RunID,
		Start:       start,
		End:         end,
		TODs:        len(plan.refs),
		Routines:    report.Routines,
		Workers:     l.config.Workers,
		Policy:      l.config.FailurePolicy,
		StartedAt:   report.StartedAt,
		ResumedFrom: report.ResumedFrom,
	}
	l.observers.runStarted(ctx, info)
	l.logger.Info("starting run",
		zap.String("runID", report.RunID),
		zap.Int("start", start),
		zap.Int("end", end),
		zap.Int("tods", len(plan.refs)),
		zap.Strings("routines", report.Routines),
		zap.Int("workers", l.config.Workers),
		zap.Stringer("policy", l.config.FailurePolicy),
		zap.String("resumedFrom", report.ResumedFrom))

	if len(plan.sets) > 1 {
		err = l.runParallel(ctx, report, plan)
	} else {
		err = l.runSequential(ctx, report, plan.routines, plan.refs)
	}

	return l.finish(ctx, span, report, err, true), err
}

// runPlan is what an accepted run executes.
type runPlan struct {
	refs     []todRef
	routines []routine.Routine
	// sets holds one routine set per parallel worker, sets[0] being
	// routines. It is nil for a sequential run.
	sets [][]routine.Routine
}

// prepare checks the window and routine wiring and builds the worker
// routine sets. Nothing has been notified or initialized when it fails.
func (l *Loop) prepare(tods todlist.List, routines []routine.Routine, start, end int) (*runPlan, error) {
	window, err := tods.Range(start, end)
	if err != nil {
		return nil, err
	}
	refs, err := l.selectTODs(window, start)
	if err != nil {
		return nil, err
	}

	if l.config.AutoOrder {
		routines, err = TopologicalOrder(routines)
		if err != nil {
			return nil, err
		}
	}

	if l.config.ValidateWiring {
		if err := ValidateWiring(routines, l.config.PreloadedKeys); err != nil {
			return nil, err
		}
	}

	plan := &runPlan{refs: refs, routines: routines}
	if l.config.Workers > 1 {
		if l.builder == nil {
			return nil, ErrNoRoutineSetBuilder
		}
		for _, r := range routines {
			if _, ok := r.(Merger); !ok && accumulates(r) {
				return nil, fmt.Errorf("%w: %s", ErrNotMergeable, r.Name())
			}
		}
		if len(refs) > 1 {
			workers := len(todlist.Chunks(0, len(refs), l.config.Workers))
			plan.sets, err = l.buildRoutineSets(routines, workers)
			if err != nil {
				return nil, err
			}
		}
	}

	if plan.sets != nil {
		l.markResumed(plan.sets)
	} else {
		l.markResumed([][]routine.Routine{routines})
	}
	return plan, nil
}

func (l *Loop) finish(ctx context.Context, span trace.Span, report *Report, err error, notify bool) *Report {
	report.FinishedAt = time.Now()
	report.Err = err
	if err != nil {
		report.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		report.State = StateDone
		span.SetStatus(codes.Ok, "run completed")
	}
	l.setState(report.State)

	failed := len(report.Failed())
	span.SetAttributes(
		attribute.Int("run.tods_processed", len(report.Processed())),
		attribute.Int("run.tods_failed", failed),
	)

	if notify {
		l.observers.runFinished(ctx, report)
		if err != nil {
			l.logger.Error("run failed",
				zap.String("runID", report.RunID),
				zap.Int("processed", len(report.Processed())),
				zap.Int("failed", failed),
				zap.Duration("duration", report.Duration()),
				zap.Error(err))
		} else {
			l.logger.Info("run completed",
				zap.String("runID", report.RunID),
				zap.Int("processed", len(report.Processed())),
				zap.Int("failed", failed),
				zap.Duration("duration", report.Duration()))
		}
	}
	return report
}

func (l *Loop) runSequential(ctx context.Context, report *Report, routines []routine.Routine, refs []todRef) error {
	initialized, err := l.initialize(ctx, routines)
	if err != nil {
		l.setState(StateFinalize)
		return errors.Join(err, l.finalize(ctx, routines[:initialized]))
	}

	results, loopErr := l.iterate(ctx, report.RunID, 0, routines, refs, nil)
	report.Results = results

	l.setState(StateFinalize)
	report.State = StateFinalize
	return errors.Join(loopErr, l.finalize(ctx, routines))
}

// initialize calls Initialize on each routine in order and returns how many
// succeeded before the first failure.
func (l *Loop) initialize(ctx context.Context, routines []routine.Routine) (int, error) {
	for i, r := range routines {
		if err := l.call(ctx, r, PhaseInitialize, r.Initialize); err != nil {
			l.logger.Error("routine initialization failed",
				zap.String("routine", r.Name()),
				zap.Error(err))
			return i, NewRoutineExecutionError(r.Name(), PhaseInitialize, err)
		}
	}
	return len(routines), nil
}

// finalize calls Finalize on every routine, collecting all failures.
func (l *Loop) finalize(ctx context.Context, routines []routine.Routine) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, r := range routines {
		if err := l.call(ctx, r, PhaseFinalize, r.Finalize); err != nil {
			l.logger.Error("routine finalization failed",
				zap.String("routine", r.Name()),
				zap.Error(err))
			errs = append(errs, NewRoutineExecutionError(r.Name(), PhaseFinalize, err))
		}
	}
	return errors.Join(errs...)
}

// iterate processes refs in order. abort, when set, is shared between
// parallel workers.
func (l *Loop) iterate(ctx context.Context, runID string, worker int, routines []routine.Routine, refs []todRef, abort *atomic.Bool) ([]TODResult, error) {
	results := make([]TODResult, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("run cancelled before TOD %s: %w", ref.id, err)
		}
		if abort != nil && abort.Load() {
			return results, nil
		}

		res := l.processTOD(ctx, runID, worker, routines, ref.id, ref.index)
		results = append(results, res)
		l.metrics.RecordTOD(res.Status(), res.Duration)
		l.observers.todFinished(ctx, runID, res)

		if res.Complete {
			continue
		}
		if l.config.FailurePolicy == AbortAll {
			if abort != nil {
				abort.Store(true)
			}
			return results, res.Err
		}
		l.logger.Warn("TOD incomplete, continuing",
			zap.String("runID", runID),
			zap.String("tod", string(ref.id)),
			zap.Int("index", ref.index),
			zap.Error(res.Err))
	}
	return results, nil
}

// processTOD runs every routine on one TOD against a fresh store.
func (l *Loop) processTOD(ctx context.Context, runID string, worker int, routines []routine.Routine, id todlist.ID, index int) TODResult {
	ctx, span := l.tracer.Start(ctx, "loop.processTOD",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("tod.id", string(id)),
			attribute.Int("tod.index", index),
			attribute.Int("worker.id", worker),
		))
	defer span.End()

	started := time.Now()
	rc := routine.NewContext(runID, id, index)
	res := TODResult{TOD: id, Index: index, Worker: worker}

	for _, r := range routines {
		err := l.call(ctx, r, PhaseExecute, func(ctx context.Context) error {
			return r.Execute(ctx, rc)
		})
		if err != nil {
			res.Err = &RoutineExecutionError{
				Routine: r.Name(),
				Phase:   PhaseExecute,
				TOD:     id,
				Index:   index,
				Cause:   err,
			}
			res.Duration = time.Since(started)
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			l.logger.Error("routine failed on TOD",
				zap.String("runID", runID),
				zap.String("routine", r.Name()),
				zap.String("tod", string(id)),
				zap.Int("index", index),
				zap.Error(err))
			return res
		}
	}

	res.Complete = true
	res.Duration = time.Since(started)
	span.SetStatus(codes.Ok, "TOD processed")
	l.logger.Debug("TOD processed",
		zap.String("runID", runID),
		zap.String("tod", string(id)),
		zap.Int("index", index),
		zap.Int("worker", worker),
		zap.Duration("duration", res.Duration))
	return res
}

// call runs one lifecycle call of r inside a span, recording its duration
// and converting panics into errors.
func (l *Loop) call(ctx context.Context, r routine.Routine, phase Phase, fn func(context.Context) error) (err error) {
	ctx, span := l.tracer.Start(ctx, "routine."+string(phase),
		trace.WithAttributes(attribute.String("routine.name", r.Name())))
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRoutinePanic, p)
		}
		l.metrics.RecordRoutine(r.Name(), phase, time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return fn(ctx)
}

func routineNames(routines []routine.Routine) []string {
	names := make([]string, len(routines))
	for i, r := range routines {
		names[i] = r.Name()
	}
	return names
}
