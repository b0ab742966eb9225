// Package registry registers the built-in routine types on a factory.
package registry

import (
	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/routines/constant"
	"github.com/wehubfusion/todloop/pkg/routines/export"
	"github.com/wehubfusion/todloop/pkg/routines/loader"
	"github.com/wehubfusion/todloop/pkg/routines/script"
	"github.com/wehubfusion/todloop/pkg/routines/summary"
	"github.com/wehubfusion/todloop/pkg/storage"
	"go.uber.org/zap"
)

// Dependencies are the services built-in routines are constructed with.
type Dependencies struct {
	// Storage backs the loader and export routines. When nil those types
	// are not registered.
	Storage storage.BlobStorageClient
}

// NewFactory creates a factory with every built-in routine type registered.
func NewFactory(deps Dependencies, logger *zap.Logger) *routine.Factory {
	f := routine.NewFactory(logger)
	Register(f, deps, logger)
	return f
}

// Register adds the built-in routine types to f.
func Register(f *routine.Factory, deps Dependencies, logger *zap.Logger) {
	f.Register(constant.Type, constant.New)
	f.Register(script.Type, script.New)
	f.Register(summary.Type, summary.New)

	if deps.Storage != nil {
		f.Register(loader.Type, loader.NewCreator(deps.Storage))
		f.Register(export.Type, export.NewCreator(storage.NewResultFileClient(deps.Storage, logger)))
	}
}

// Builder returns a function building a fresh routine set from configs, for
// use as a parallel loop's routine set builder.
func Builder(f *routine.Factory, configs []routine.Config) func() ([]routine.Routine, error) {
	return func() ([]routine.Routine, error) {
		return f.CreateAll(configs)
	}
}
