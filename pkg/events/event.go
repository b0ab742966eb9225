// Package events publishes loop lifecycle events to NATS JetStream.
package events

import (
	"encoding/json"
	"time"

	"github.com/wehubfusion/todloop/pkg/loop"
)

// Event types. Each is published on <subject>.<type>.
const (
	TypeRunStarted  = "run_started"
	TypeTODFinished = "tod_finished"
	TypeRunFinished = "run_finished"
)

// Event is the JSON payload of every lifecycle message.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	// Run fields, set on run_started and run_finished.
	Start    int      `json:"start,omitempty"`
	End      int      `json:"end,omitempty"`
	Routines []string `json:"routines,omitempty"`
	Workers  int      `json:"workers,omitempty"`
	Policy   string   `json:"policy,omitempty"`
	State    string   `json:"state,omitempty"`
	// ResumedFrom is set on run_started for a run resuming another.
	ResumedFrom string `json:"resumed_from,omitempty"`

	Processed int `json:"processed,omitempty"`
	Failed    int `json:"failed,omitempty"`

	// TOD fields, set on tod_finished.
	TOD    string `json:"tod,omitempty"`
	Index  int    `json:"index,omitempty"`
	Worker int    `json:"worker,omitempty"`
	Status string `json:"status,omitempty"`

	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToBytes serializes the event.
func (e *Event) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// FromBytes deserializes an event.
func FromBytes(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewRunStarted builds a run_started event.
func NewRunStarted(info loop.RunInfo) *Event {
	return &Event{
		Type:      TypeRunStarted,
		RunID:     info.RunID,
		Timestamp: info.StartedAt.UTC(),
		Start:     info.Start,
		End:       info.End,
		Routines:  info.Routines,
		Workers:   info.Workers,
		Policy:    info.Policy.String(),

		ResumedFrom: info.ResumedFrom,
	}
}

// NewTODFinished builds a tod_finished event.
func NewTODFinished(runID string, result loop.TODResult) *Event {
	e := &Event{
		Type:       TypeTODFinished,
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		TOD:        result.TOD.String(),
		Index:      result.Index,
		Worker:     result.Worker,
		Status:     result.Status(),
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		e.Error = result.Err.Error()
	}
	return e
}

// NewRunFinished builds a run_finished event.
func NewRunFinished(report *loop.Report) *Event {
	e := &Event{
		Type:       TypeRunFinished,
		RunID:      report.RunID,
		Timestamp:  report.FinishedAt.UTC(),
		Start:      report.Start,
		End:        report.End,
		Routines:   report.Routines,
		State:      report.State.String(),
		Processed:  len(report.Processed()),
		Failed:     len(report.Failed()),
		DurationMs: report.Duration().Milliseconds(),
	}
	if report.Err != nil {
		e.Error = report.Err.Error()
	}
	return e
}
