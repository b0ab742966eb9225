// Package loader provides the routine that brings a TOD's raw data into
// its store.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/storage"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap"
)

// Type is the routine type registered for TODLoader.
const Type = "loader"

// OutputTOD is the logical output the loaded TOD is written to.
const OutputTOD = "tod"

// Data formats understood by StorageLoader.
const (
	FormatRaw  = "raw"
	FormatText = "text"
	FormatJSON = "json"
)

// ErrNoOutput is returned when a loader routine declares neither "tod" nor
// the legacy "output".
var ErrNoOutput = errors.New("loader needs a tod output")

// Loader fetches the data of one TOD.
type Loader interface {
	Load(ctx context.Context, id todlist.ID) (any, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id todlist.ID) (any, error)

func (f LoaderFunc) Load(ctx context.Context, id todlist.ID) (any, error) {
	return f(ctx, id)
}

// Params configures the storage-backed loader built by NewCreator.
type Params struct {
	// Pattern maps a TOD to a stored path; its one %s is replaced by the
	// TOD ID. Other % characters are kept as they are.
	Pattern string `json:"pattern"`
	// Format is one of raw, text or json. Defaults to raw.
	Format string `json:"format,omitempty"`
}

// TODLoader writes the loaded TOD under its tod output key.
type TODLoader struct {
	routine.Base
	loader Loader
	output string
}

// New creates a TODLoader reading through l.
func New(cfg routine.Config, l Loader, logger *zap.Logger) (*TODLoader, error) {
	if l == nil {
		return nil, errors.New("loader cannot be nil")
	}
	base := routine.NewBase(cfg, logger)
	output := OutputTOD
	if !base.HasOutput(output) {
		output = routine.LegacyOutputName
	}
	if !base.HasOutput(output) {
		return nil, fmt.Errorf("%w: routine %s", ErrNoOutput, base.Name())
	}
	return &TODLoader{Base: base, loader: l, output: output}, nil
}

// Execute loads the current TOD.
func (t *TODLoader) Execute(ctx context.Context, rc *routine.Context) error {
	data, err := t.loader.Load(ctx, rc.TOD)
	if err != nil {
		return fmt.Errorf("failed to load TOD %s: %w", rc.TOD, err)
	}
	return t.Output(rc, t.output, data)
}

// NewCreator returns a creator building TODLoaders that read from client
// according to the routine's Params.
func NewCreator(client storage.BlobStorageClient) routine.Creator {
	return func(cfg routine.Config, logger *zap.Logger) (routine.Routine, error) {
		var p Params
		base := routine.NewBase(cfg, logger)
		if err := base.DecodeParams(&p); err != nil {
			return nil, err
		}
		l, err := NewStorageLoader(client, p.Pattern, p.Format)
		if err != nil {
			return nil, fmt.Errorf("%w: routine %s: %v", routine.ErrInvalidParams, base.Name(), err)
		}
		return New(cfg, l, logger)
	}
}

// StorageLoader loads TODs from a BlobStorageClient.
type StorageLoader struct {
	client  storage.BlobStorageClient
	pattern string
	format  string
}

// NewStorageLoader creates a loader reading pattern with its %s replaced
// by the TOD ID.
func NewStorageLoader(client storage.BlobStorageClient, pattern, format string) (*StorageLoader, error) {
	if client == nil {
		return nil, errors.New("storage client cannot be nil")
	}
	if strings.Count(pattern, "%s") != 1 {
		return nil, fmt.Errorf("pattern %q must contain exactly one %%s", pattern)
	}
	if format == "" {
		format = FormatRaw
	}
	switch format {
	case FormatRaw, FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return &StorageLoader{client: client, pattern: pattern, format: format}, nil
}

// Path returns the stored path of id.
func (s *StorageLoader) Path(id todlist.ID) string {
	return strings.Replace(s.pattern, "%s", string(id), 1)
}

// Load downloads and decodes one TOD.
func (s *StorageLoader) Load(ctx context.Context, id todlist.ID) (any, error) {
	data, err := s.client.Download(ctx, s.Path(id))
	if err != nil {
		return nil, err
	}
	switch s.format {
	case FormatText:
		return string(data), nil
	case FormatJSON:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode TOD %s: %w", id, err)
		}
		return v, nil
	default:
		return data, nil
	}
}
