package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/store"
)

// ErrInvalidPipeline is returned for malformed pipeline files.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// PipelineFile describes one loop: where its TODs come from and which
// routines run on them, in order.
type PipelineFile struct {
	Name string `json:"name"`

	// TODList is a local path, or a blob path when Azure storage is configured.
	TODList string `json:"tod_list"`

	// Start and End bound the processed window; a nil End means the whole list.
	Start int  `json:"start,omitempty"`
	End   *int `json:"end,omitempty"`

	// Workers and FailurePolicy override the environment when set.
	Workers       int    `json:"workers,omitempty"`
	FailurePolicy string `json:"failure_policy,omitempty"`

	// Preloaded keys are treated as present when validating wiring.
	Preloaded []store.Key `json:"preloaded,omitempty"`

	Routines []routine.Config `json:"routines"`
}

// LoadPipeline reads and validates a pipeline file.
func LoadPipeline(path string) (*PipelineFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline: %w", err)
	}
	defer f.Close()

	p, err := ParsePipeline(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes a pipeline strictly and validates it. Routine
// configurations are normalized.
func ParsePipeline(r io.Reader) (*PipelineFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p PipelineFile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate normalizes routine configurations and checks the pipeline.
func (p *PipelineFile) Validate() error {
	if len(p.Routines) == 0 {
		return fmt.Errorf("%w: no routines", ErrInvalidPipeline)
	}
	if p.Start < 0 {
		return fmt.Errorf("%w: start must not be negative", ErrInvalidPipeline)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidPipeline)
	}
	if _, err := loop.ParseFailurePolicy(p.FailurePolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}

	seen := make(map[string]int, len(p.Routines))
	for i := range p.Routines {
		cfg := p.Routines[i].Normalized()
		if cfg.Type == "" {
			return fmt.Errorf("%w: routine #%d has no type", ErrInvalidPipeline, i)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: routine #%d: %w", ErrInvalidPipeline, i, err)
		}
		if prev, dup := seen[cfg.Name]; dup {
			return fmt.Errorf("%w: routines #%d and #%d are both named %s", ErrInvalidPipeline, prev, i, cfg.Name)
		}
		seen[cfg.Name] = i
		p.Routines[i] = cfg
	}
	return nil
}

// Apply overrides the loop configuration with the pipeline's settings.
func (p *PipelineFile) Apply(cfg loop.Config) loop.Config {
	if p.Workers > 0 {
		cfg = cfg.WithWorkers(p.Workers)
	}
	if p.FailurePolicy != "" {
		// Validated in Validate.
		policy, _ := loop.ParseFailurePolicy(p.FailurePolicy)
		cfg = cfg.WithFailurePolicy(policy)
	}
	if len(p.Preloaded) > 0 {
		cfg = cfg.WithPreloadedKeys(p.Preloaded...)
	}
	return cfg
}

// Window resolves the [start, end) window against a list of n TODs.
func (p *PipelineFile) Window(n int) (int, int) {
	if p.End == nil {
		return p.Start, n
	}
	return p.Start, *p.End
}
