// Package summary provides the Summarize routine, which gathers a TOD's
// inputs into a single report value and keeps every report for the run.
package summary

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/store"
	"go.uber.org/zap"
)

// Type is the routine type registered for Summarize.
const Type = "summary"

// OutputReport is the logical output the report is written to.
const OutputReport = "report"

// Report fields always present.
const (
	FieldTOD   = "tod"
	FieldIndex = "index"
)

// Params represents the configuration of a summary routine.
type Params struct {
	// Optional lists logical inputs that may be absent; they are reported as null.
	Optional []string `json:"optional,omitempty"`
}

// Summarize writes a report map holding every declared input under its
// logical name, plus the TOD ID and index.
type Summarize struct {
	routine.Base
	optional map[string]bool

	mu      sync.Mutex
	reports []map[string]any
}

// New creates a summary routine.
func New(cfg routine.Config, logger *zap.Logger) (routine.Routine, error) {
	base := routine.NewBase(cfg, logger)
	var p Params
	if err := base.DecodeParams(&p); err != nil {
		return nil, err
	}
	if !base.HasOutput(OutputReport) {
		return nil, fmt.Errorf("%w: routine %s needs a %q output", routine.ErrInvalidConfig, base.Name(), OutputReport)
	}
	optional := make(map[string]bool, len(p.Optional))
	for _, name := range p.Optional {
		if !base.HasInput(name) {
			return nil, fmt.Errorf("%w: routine %s: optional input %q is not declared", routine.ErrInvalidParams, base.Name(), name)
		}
		optional[name] = true
	}
	return &Summarize{Base: base, optional: optional}, nil
}

// Accumulates reports that the routine keeps one report per TOD.
func (s *Summarize) Accumulates() bool { return true }

// Execute builds and writes the TOD's report.
func (s *Summarize) Execute(ctx context.Context, rc *routine.Context) error {
	report := map[string]any{
		FieldTOD:   string(rc.TOD),
		FieldIndex: rc.Index,
	}
	for _, name := range s.Inputs().Names() {
		v, err := s.Input(rc, name)
		if err != nil {
			if s.optional[name] && errors.Is(err, store.ErrKeyNotFound) {
				report[name] = nil
				continue
			}
			return err
		}
		report[name] = v
	}
	if err := s.Output(rc, OutputReport, report); err != nil {
		return err
	}

	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	return nil
}

// Merge absorbs the reports of another Summarize instance.
func (s *Summarize) Merge(ctx context.Context, other routine.Routine) error {
	o, ok := other.(*Summarize)
	if !ok {
		return fmt.Errorf("cannot merge %T into summary routine %s", other, s.Name())
	}
	reports := o.Reports()
	s.mu.Lock()
	s.reports = append(s.reports, reports...)
	s.mu.Unlock()
	return nil
}

// Reports returns the accumulated reports in TOD index order.
func (s *Summarize) Reports() []map[string]any {
	s.mu.Lock()
	out := slices.Clone(s.reports)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i][FieldIndex].(int) < out[j][FieldIndex].(int)
	})
	return out
}

// Finalize logs the run summary.
func (s *Summarize) Finalize(ctx context.Context) error {
	reports := s.Reports()
	s.Logger().Info("summary complete", zap.Int("reports", len(reports)))
	return nil
}
