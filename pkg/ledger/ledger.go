// Package ledger records runs and per-TOD outcomes in sqlite so that
// incomplete TODs can be listed and re-run.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned when a run ID is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	pipeline TEXT,
	start_idx INTEGER,
	end_idx INTEGER,
	routines TEXT,
	state TEXT,
	error TEXT,
	started_at DATETIME,
	finished_at DATETIME,
	resumed_from TEXT
);
CREATE TABLE IF NOT EXISTS tod_status (
	run_id TEXT NOT NULL,
	tod TEXT NOT NULL,
	idx INTEGER,
	worker INTEGER,
	status TEXT,
	error TEXT,
	duration_ms INTEGER,
	updated_at DATETIME,
	PRIMARY KEY (run_id, tod)
);
`

// Ledgers created before resumed runs were recorded lack the column.
const addResumedFrom = `ALTER TABLE runs ADD COLUMN resumed_from TEXT`

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Pipeline   string
	Start      int
	End        int
	Routines   string
	State      string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
	// ResumedFrom is the run this run re-processed incomplete TODs of.
	ResumedFrom string
}

// TODRecord is one row of the tod_status table.
type TODRecord struct {
	RunID    string
	TOD      todlist.ID
	Index    int
	Worker   int
	Status   string
	Error    string
	Duration time.Duration
}

// Ledger is a loop.Observer persisting lifecycle notifications.
// Write failures are logged and never fail the run.
type Ledger struct {
	db       *sql.DB
	pipeline string
	logger   *zap.Logger
}

var _ loop.Observer = (*Ledger)(nil)

// Open opens or creates the ledger database at path.
func Open(path, pipeline string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}
	if _, err := db.Exec(addResumedFrom); err != nil && !strings.Contains(err.Error(), "duplicate column") {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return &Ledger{db: db, pipeline: pipeline, logger: logger}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) RunStarted(ctx context.Context, info loop.RunInfo) {
	routines := strings.Join(info.Routines, ",")
	_, err := l.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO runs (id, pipeline, start_idx, end_idx, routines, state, started_at, resumed_from) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.RunID, l.pipeline, info.Start, info.End, routines, loop.StateRunning.String(), info.StartedAt.UTC(), info.ResumedFrom)
	l.logError("run_started", info.RunID, err)
}

func (l *Ledger) TODFinished(ctx context.Context, runID string, result loop.TODResult) {
	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	_, err := l.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT OR REPLACE INTO tod_status (run_id, tod, idx, worker, status, error, duration_ms, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(result.TOD), result.Index, result.Worker, result.Status(), errMsg, result.Duration.Milliseconds(), time.Now().UTC())
	l.logError("tod_finished", runID, err)
}

func (l *Ledger) RunFinished(ctx context.Context, report *loop.Report) {
	var errMsg string
	if report.Err != nil {
		errMsg = report.Err.Error()
	}
	_, err := l.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		report.State.String(), errMsg, report.FinishedAt.UTC(), report.RunID)
	l.logError("run_finished", report.RunID, err)
}

func (l *Ledger) logError(event, runID string, err error) {
	if err != nil {
		l.logger.Error("Failed to record ledger entry",
			zap.String("event", event),
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

// Run fetches one run.
func (l *Ledger) Run(ctx context.Context, runID string) (*RunRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, pipeline, start_idx, end_idx, routines, state, COALESCE(error, ''), started_at, finished_at, COALESCE(resumed_from, '') FROM runs WHERE id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec, err
}

// Runs lists runs, most recent first.
func (l *Ledger) Runs(ctx context.Context) ([]RunRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, pipeline, start_idx, end_idx, routines, state, COALESCE(error, ''), started_at, finished_at, COALESCE(resumed_from, '') FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *rec)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var rec RunRecord
	var finished sql.NullTime
	if err := s.Scan(&rec.ID, &rec.Pipeline, &rec.Start, &rec.End, &rec.Routines, &rec.State, &rec.Error, &rec.StartedAt, &finished, &rec.ResumedFrom); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

// TODs lists the recorded outcomes of a run in TOD order.
func (l *Ledger) TODs(ctx context.Context, runID string) ([]TODRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, tod, idx, worker, status, error, duration_ms FROM tod_status WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TODRecord
	for rows.Next() {
		var rec TODRecord
		var tod string
		var ms int64
		if err := rows.Scan(&rec.RunID, &tod, &rec.Index, &rec.Worker, &rec.Status, &rec.Error, &ms); err != nil {
			return nil, err
		}
		rec.TOD = todlist.ID(tod)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Pending returns the TODs of the run's window that did not complete,
// including those never reached because the run aborted. For a resumed run,
// TODs completed by the runs it resumed count as complete. list must be the
// TOD list the run was started on.
func (l *Ledger) Pending(ctx context.Context, runID string, list todlist.List) ([]todlist.ID, error) {
	run, err := l.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	window, err := list.Range(run.Start, run.End)
	if err != nil {
		return nil, err
	}

	done, err := l.completed(ctx, run)
	if err != nil {
		return nil, err
	}

	pending := make([]todlist.ID, 0, len(window))
	for _, id := range window {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// completed collects the TODs completed by run and the runs it resumed.
func (l *Ledger) completed(ctx context.Context, run *RunRecord) (map[todlist.ID]bool, error) {
	done := make(map[todlist.ID]bool)
	seen := make(map[string]bool)
	for run != nil && !seen[run.ID] {
		seen[run.ID] = true

		records, err := l.TODs(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Status == loop.StatusComplete {
				done[rec.TOD] = true
			}
		}

		if run.ResumedFrom == "" {
			break
		}
		prev, err := l.Run(ctx, run.ResumedFrom)
		if errors.Is(err, ErrRunNotFound) {
			l.logger.Warn("Resumed run is missing from the ledger",
				zap.String("run_id", run.ID),
				zap.String("resumed_from", run.ResumedFrom))
			break
		}
		if err != nil {
			return nil, err
		}
		run = prev
	}
	return done, nil
}
