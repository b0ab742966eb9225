package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap"
)

// chunkJob is one contiguous window of TODs processed by its own routine set.
type chunkJob struct {
	worker   int
	chunk    todlist.Chunk
	refs     []todRef
	routines []routine.Routine
}

// chunkResult is the outcome of a chunkJob.
type chunkResult struct {
	worker  int
	results []TODResult
	err     error
}

// chunkProcessor processes a single job.
type chunkProcessor func(ctx context.Context, job chunkJob) chunkResult

// workerPool runs chunk jobs concurrently.
type workerPool struct {
	numWorkers int
	jobChan    chan chunkJob
	resultChan chan chunkResult
	wg         sync.WaitGroup
	process    chunkProcessor
	logger     *zap.Logger

	processed atomic.Int64
	errors    atomic.Int64
}

func newWorkerPool(numWorkers, bufferSize int, process chunkProcessor, logger *zap.Logger) *workerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &workerPool{
		numWorkers: numWorkers,
		jobChan:    make(chan chunkJob, bufferSize),
		resultChan: make(chan chunkResult, bufferSize),
		process:    process,
		logger:     logger,
	}
}

// Start starts the workers.
func (wp *workerPool) Start(ctx context.Context) {
	wp.logger.Debug("starting worker pool", zap.Int("workers", wp.numWorkers))
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// worker drains the job channel. Jobs check cancellation themselves so that
// every submitted job produces exactly one result.
func (wp *workerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	for job := range wp.jobChan {
		result := wp.process(ctx, job)
		if result.err != nil {
			wp.errors.Add(1)
		} else {
			wp.processed.Add(1)
		}
		wp.resultChan <- result
	}
	wp.logger.Debug("worker stopping, job channel closed", zap.Int("worker_id", id))
}

// SubmitAll submits every job and closes the job channel.
func (wp *workerPool) SubmitAll(jobs []chunkJob) {
	for _, job := range jobs {
		wp.jobChan <- job
	}
	close(wp.jobChan)
}

// Results returns the results channel.
func (wp *workerPool) Results() <-chan chunkResult {
	return wp.resultChan
}

// Wait waits for all workers to finish and closes the result channel.
func (wp *workerPool) Wait() {
	wp.wg.Wait()
	close(wp.resultChan)
}

// Stats returns the number of jobs that finished with and without error.
func (wp *workerPool) Stats() (processed, errors int64) {
	return wp.processed.Load(), wp.errors.Load()
}

// collectChunkResults collects results ordered by worker index.
func collectChunkResults(resultChan <-chan chunkResult, count int) []chunkResult {
	results := make([]chunkResult, count)
	received := 0
	for result := range resultChan {
		if result.worker >= 0 && result.worker < count {
			results[result.worker] = result
		}
		received++
		if received >= count {
			break
		}
	}
	return results
}

// buildRoutineSets returns one routine set per worker. The first worker
// uses the registered routines; the others use sets from the builder,
// ordered like the registered ones.
func (l *Loop) buildRoutineSets(primary []routine.Routine, workers int) ([][]routine.Routine, error) {
	sets := make([][]routine.Routine, workers)
	sets[0] = primary
	for w := 1; w < workers; w++ {
		built, err := l.builder()
		if err != nil {
			return nil, fmt.Errorf("failed to build routine set for worker %d: %w", w, err)
		}
		set, err := alignRoutineSet(primary, built)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", w, err)
		}
		sets[w] = set
	}
	return sets, nil
}

// runParallel splits the planned TODs into contiguous chunks, one per
// routine set.
func (l *Loop) runParallel(ctx context.Context, report *Report, plan *runPlan) error {
	sets := plan.sets
	chunks := todlist.Chunks(0, len(plan.refs), len(sets))

	initialized := make([]int, len(sets))
	for w, set := range sets {
		n, err := l.initialize(ctx, set)
		initialized[w] = n
		if err != nil {
			l.setState(StateFinalize)
			errs := []error{err}
			for v := 0; v <= w; v++ {
				errs = append(errs, l.finalize(ctx, sets[v][:initialized[v]]))
			}
			return errors.Join(errs...)
		}
	}

	jobs := make([]chunkJob, len(chunks))
	for w, c := range chunks {
		jobs[w] = chunkJob{
			worker:   w,
			chunk:    c,
			refs:     plan.refs[c.Start:c.End],
			routines: sets[w],
		}
	}

	var abort atomic.Bool
	pool := newWorkerPool(len(jobs), len(jobs), func(ctx context.Context, job chunkJob) chunkResult {
		results, err := l.iterate(ctx, report.RunID, job.worker, job.routines, job.refs, &abort)
		return chunkResult{worker: job.worker, results: results, err: err}
	}, l.logger)
	pool.Start(ctx)
	go pool.SubmitAll(jobs)
	go pool.Wait()

	var loopErrs []error
	for _, cr := range collectChunkResults(pool.Results(), len(jobs)) {
		report.Results = append(report.Results, cr.results...)
		if cr.err != nil {
			loopErrs = append(loopErrs, cr.err)
		}
	}
	processed, failed := pool.Stats()
	l.logger.Debug("worker pool finished",
		zap.Int64("chunks_ok", processed),
		zap.Int64("chunks_failed", failed))

	l.setState(StateFinalize)
	report.State = StateFinalize
	return errors.Join(errors.Join(loopErrs...), l.reduce(ctx, sets))
}

// reduce merges every worker instance into the first worker's instance and
// finalizes. Instances of routines without Merge are finalized on their own.
func (l *Loop) reduce(ctx context.Context, sets [][]routine.Routine) error {
	fctx := context.WithoutCancel(ctx)
	var errs []error
	var rest []routine.Routine

	for j, r := range sets[0] {
		m, ok := r.(Merger)
		for w := 1; w < len(sets); w++ {
			other := sets[w][j]
			if !ok {
				rest = append(rest, other)
				continue
			}
			err := l.call(fctx, r, PhaseMerge, func(ctx context.Context) error {
				return m.Merge(ctx, other)
			})
			if err != nil {
				l.logger.Error("routine merge failed",
					zap.String("routine", r.Name()),
					zap.Int("worker", w),
					zap.Error(err))
				errs = append(errs, NewRoutineExecutionError(r.Name(), PhaseMerge, err))
			}
		}
	}

	errs = append(errs, l.finalize(fctx, rest), l.finalize(fctx, sets[0]))
	return errors.Join(errs...)
}

// alignRoutineSet orders set to match primary by name.
func alignRoutineSet(primary, set []routine.Routine) ([]routine.Routine, error) {
	if len(set) != len(primary) {
		return nil, fmt.Errorf("%w: %d routines, want %d", ErrRoutineSetMismatch, len(set), len(primary))
	}
	byName := make(map[string]routine.Routine, len(set))
	for _, r := range set {
		if r == nil {
			return nil, ErrNilRoutine
		}
		byName[r.Name()] = r
	}
	out := make([]routine.Routine, len(primary))
	for i, p := range primary {
		r, ok := byName[p.Name()]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrRoutineSetMismatch, p.Name())
		}
		out[i] = r
	}
	return out, nil
}
