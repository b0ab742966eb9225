package loop

import (
	"time"

	"github.com/wehubfusion/todloop/pkg/todlist"
)

// TOD status labels used by metrics and observers.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

// TODResult is the outcome of processing one TOD.
type TODResult struct {
	TOD      todlist.ID
	Index    int
	Worker   int
	Complete bool
	// Err is a *RoutineExecutionError when Complete is false.
	Err      error
	Duration time.Duration
}

// Status returns StatusComplete or StatusIncomplete.
func (r TODResult) Status() string {
	if r.Complete {
		return StatusComplete
	}
	return StatusIncomplete
}

// RunInfo describes a run as it starts.
type RunInfo struct {
	RunID     string
	Start     int
	End       int
	TODs      int
	Routines  []string
	Workers   int
	Policy    FailurePolicy
	StartedAt time.Time
	// ResumedFrom is the run whose incomplete TODs this run re-processes.
	ResumedFrom string
}

// Report summarizes a run. Results are in TOD order.
type Report struct {
	RunID    string
	State    State
	Start    int
	End      int
	Routines []string
	// ResumedFrom is set when the run re-processed another run's incomplete TODs.
	ResumedFrom string
	Results     []TODResult
	StartedAt   time.Time
	FinishedAt  time.Time
	// Err is the error returned by Run, if any.
	Err error
}

// Processed returns the TODs every routine completed.
func (r *Report) Processed() []todlist.ID {
	return r.filter(true)
}

// Failed returns the TODs marked incomplete.
func (r *Report) Failed() []todlist.ID {
	return r.filter(false)
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) filter(complete bool) []todlist.ID {
	out := make([]todlist.ID, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Complete == complete {
			out = append(out, res.TOD)
		}
	}
	return out
}
