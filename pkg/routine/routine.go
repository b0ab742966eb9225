package routine

import (
	"context"

	"github.com/wehubfusion/todloop/pkg/store"
	"github.com/wehubfusion/todloop/pkg/todlist"
)

// Routine is the interface all analysis steps implement.
type Routine interface {
	// Name returns the unique name of this routine instance.
	Name() string

	// Initialize runs once before any TOD is processed.
	Initialize(ctx context.Context) error

	// Execute runs once per TOD against that TOD's store.
	Execute(ctx context.Context, rc *Context) error

	// Finalize runs once after the last TOD has been processed.
	Finalize(ctx context.Context) error
}

// Wired is implemented by routines that declare their store wiring.
// The loop uses it to validate that every input has an earlier producer.
type Wired interface {
	Inputs() KeyMap
	Outputs() KeyMap
}

// Context carries the per-TOD state handed to Execute.
type Context struct {
	// RunID identifies the loop run this TOD belongs to.
	RunID string

	// TOD is the identifier of the TOD being processed.
	TOD todlist.ID

	// Index is the position of TOD in the loaded list.
	Index int

	// Store is the fresh data store for this TOD.
	Store *store.Store
}

// NewContext creates an execution context with a fresh store.
func NewContext(runID string, tod todlist.ID, index int) *Context {
	return &Context{
		RunID: runID,
		TOD:   tod,
		Index: index,
		Store: store.New(),
	}
}
