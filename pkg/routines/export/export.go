// Package export provides the routine that writes per-TOD reports into a
// grouped result file, for example the train and validate label sets of a
// data preparation pipeline.
package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Type is the routine type registered for Export.
const Type = "export"

// InputReport is the logical input holding the TOD's report.
const InputReport = "report"

// rowKey is the row field identifying a TOD in the result file.
const rowKey = "tod"

// Params represents the configuration of an export routine.
type Params struct {
	// Pipeline names the result file's owner. Defaults to "todloop".
	Pipeline string `json:"pipeline,omitempty"`

	// Name selects results/<pipeline>/<name>.json. Defaults to "labels".
	Name string `json:"name,omitempty"`

	// Path overrides the result file path.
	Path string `json:"path,omitempty"`

	// Group is the group this run's rows replace, e.g. "train".
	Group string `json:"group"`

	// Downsample keeps TODs whose index is a multiple of it. Defaults to 1.
	Downsample int `json:"downsample,omitempty"`
}

type indexedRow struct {
	index int
	row   storage.Row
}

// Export collects one row per TOD and writes them as a group of a result
// file when the run finalizes.
type Export struct {
	routine.Base
	client     *storage.ResultFileClient
	pipeline   string
	path       string
	group      string
	downsample int

	mu          sync.Mutex
	runID       string
	resumedFrom string
	rows        []indexedRow
}

// New creates an export routine writing through client.
func New(cfg routine.Config, client *storage.ResultFileClient, logger *zap.Logger) (*Export, error) {
	base := routine.NewBase(cfg, logger)
	if client == nil {
		return nil, fmt.Errorf("routine %s: result file client cannot be nil", base.Name())
	}
	var p Params
	if err := base.DecodeParams(&p); err != nil {
		return nil, err
	}
	if !base.HasInput(InputReport) {
		return nil, fmt.Errorf("%w: routine %s needs a %q input", routine.ErrInvalidConfig, base.Name(), InputReport)
	}

	// Group labels are case-insensitive: "Train" and "train" are one group.
	group := cases.Lower(language.Und).String(strings.TrimSpace(p.Group))
	if group == "" {
		return nil, fmt.Errorf("%w: routine %s: group is required", routine.ErrInvalidParams, base.Name())
	}
	if p.Downsample < 0 {
		return nil, fmt.Errorf("%w: routine %s: downsample must not be negative", routine.ErrInvalidParams, base.Name())
	}
	if p.Downsample == 0 {
		p.Downsample = 1
	}
	if p.Pipeline == "" {
		p.Pipeline = "todloop"
	}
	if p.Name == "" {
		p.Name = "labels"
	}
	path := p.Path
	if path == "" {
		path = storage.ResultFilePath(p.Pipeline, p.Name)
	}

	return &Export{
		Base:       base,
		client:     client,
		pipeline:   p.Pipeline,
		path:       path,
		group:      group,
		downsample: p.Downsample,
	}, nil
}

// NewCreator returns a creator building Export routines on client.
func NewCreator(client *storage.ResultFileClient) routine.Creator {
	return func(cfg routine.Config, logger *zap.Logger) (routine.Routine, error) {
		return New(cfg, client, logger)
	}
}

// Path returns the result file path.
func (e *Export) Path() string { return e.path }

// Group returns the normalized group name.
func (e *Export) Group() string { return e.group }

// Accumulates reports that rows are kept until Finalize.
func (e *Export) Accumulates() bool { return true }

// Execute records the TOD's report as a row.
func (e *Export) Execute(ctx context.Context, rc *routine.Context) error {
	if rc.Index%e.downsample != 0 {
		return nil
	}
	v, err := e.Input(rc, InputReport)
	if err != nil {
		return err
	}

	var row storage.Row
	switch r := v.(type) {
	case map[string]any:
		row = make(storage.Row, len(r)+1)
		for k, val := range r {
			row[k] = val
		}
	case storage.Row:
		row = make(storage.Row, len(r)+1)
		for k, val := range r {
			row[k] = val
		}
	default:
		row = storage.Row{"value": v}
	}
	if _, ok := row[rowKey]; !ok {
		row[rowKey] = string(rc.TOD)
	}

	e.mu.Lock()
	e.runID = rc.RunID
	e.rows = append(e.rows, indexedRow{index: rc.Index, row: row})
	e.mu.Unlock()
	return nil
}

// Resume makes Finalize merge this run's rows into the group by TOD
// instead of replacing the rows previousRunID wrote.
func (e *Export) Resume(previousRunID string) {
	e.mu.Lock()
	e.resumedFrom = previousRunID
	e.mu.Unlock()
}

// Merge absorbs the rows of another Export instance.
func (e *Export) Merge(ctx context.Context, other routine.Routine) error {
	o, ok := other.(*Export)
	if !ok {
		return fmt.Errorf("cannot merge %T into export routine %s", other, e.Name())
	}
	o.mu.Lock()
	rows := append([]indexedRow(nil), o.rows...)
	runID := o.runID
	o.mu.Unlock()

	e.mu.Lock()
	e.rows = append(e.rows, rows...)
	if e.runID == "" {
		e.runID = runID
	}
	e.mu.Unlock()
	return nil
}

// Rows returns the collected rows in TOD index order.
func (e *Export) Rows() []storage.Row {
	e.mu.Lock()
	rows := append([]indexedRow(nil), e.rows...)
	e.mu.Unlock()

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].index < rows[j].index })
	out := make([]storage.Row, len(rows))
	for i, r := range rows {
		out[i] = r.row
	}
	return out
}

// Finalize writes the group. Nothing is written when no TOD was executed.
// A resumed run updates the rows of its TODs and keeps the others.
func (e *Export) Finalize(ctx context.Context) error {
	e.mu.Lock()
	runID, resumedFrom := e.runID, e.resumedFrom
	e.mu.Unlock()
	if runID == "" {
		e.Logger().Warn("no rows collected, result file left unchanged", zap.String("path", e.path))
		return nil
	}

	rows := e.Rows()
	var ref string
	var err error
	if resumedFrom != "" {
		ref, err = e.client.MergeGroup(ctx, e.path, e.pipeline, runID, e.group, rowKey, rows)
	} else {
		ref, err = e.client.WriteGroup(ctx, e.path, e.pipeline, runID, e.group, rows)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s group of %s: %w", e.group, e.path, err)
	}
	e.Logger().Info("exported rows",
		zap.String("group", e.group),
		zap.Int("rows", len(rows)),
		zap.String("resumedFrom", resumedFrom),
		zap.String("ref", ref))
	return nil
}
