package routine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/todloop/pkg/store"
	"go.uber.org/zap"
)

// Base provides the common parts of a routine.
// Embed this in your routine implementations and add Execute.
type Base struct {
	name    string
	kind    string
	inputs  KeyMap
	outputs KeyMap
	params  json.RawMessage
	logger  *zap.Logger
}

// NewBase creates a base from configuration.
// The configuration is normalized and copied; later changes to cfg do not
// affect the routine.
func NewBase(cfg Config, logger *zap.Logger) Base {
	cfg = cfg.Normalized()
	if logger == nil {
		logger = zap.NewNop()
	}
	var params json.RawMessage
	if len(cfg.Params) > 0 {
		params = append(json.RawMessage(nil), cfg.Params...)
	}
	return Base{
		name:    cfg.Name,
		kind:    cfg.Type,
		inputs:  cfg.Inputs,
		outputs: cfg.Outputs,
		params:  params,
		logger:  logger.Named(cfg.Name),
	}
}

// Name returns the routine name.
func (b *Base) Name() string {
	return b.name
}

// Type returns the routine type.
func (b *Base) Type() string {
	return b.kind
}

// Logger returns the routine's named logger.
func (b *Base) Logger() *zap.Logger {
	return b.logger
}

// Inputs returns a copy of the input mapping.
func (b *Base) Inputs() KeyMap {
	return b.inputs.Clone()
}

// Outputs returns a copy of the output mapping.
func (b *Base) Outputs() KeyMap {
	return b.outputs.Clone()
}

// HasInput checks if a logical input name is declared.
func (b *Base) HasInput(logical string) bool {
	_, ok := b.inputs[logical]
	return ok
}

// HasOutput checks if a logical output name is declared.
func (b *Base) HasOutput(logical string) bool {
	_, ok := b.outputs[logical]
	return ok
}

// InputKey returns the store key for a logical input name.
func (b *Base) InputKey(logical string) (store.Key, error) {
	key, ok := b.inputs[logical]
	if !ok {
		return "", fmt.Errorf("%w: routine %s has no input %q", ErrUnknownLogicalName, b.name, logical)
	}
	return key, nil
}

// OutputKey returns the store key for a logical output name.
func (b *Base) OutputKey(logical string) (store.Key, error) {
	key, ok := b.outputs[logical]
	if !ok {
		return "", fmt.Errorf("%w: routine %s has no output %q", ErrUnknownLogicalName, b.name, logical)
	}
	return key, nil
}

// Input reads the value of a logical input from the TOD's store.
func (b *Base) Input(rc *Context, logical string) (any, error) {
	key, err := b.InputKey(logical)
	if err != nil {
		return nil, err
	}
	return rc.Store.Get(key)
}

// Output writes value to the store key mapped to a logical output.
func (b *Base) Output(rc *Context, logical string, value any) error {
	key, err := b.OutputKey(logical)
	if err != nil {
		return err
	}
	rc.Store.Set(key, value)
	return nil
}

// DecodeParams decodes the routine parameters into dst.
// Unknown fields are rejected so typos in configuration files surface at
// construction time. Empty parameters leave dst untouched.
func (b *Base) DecodeParams(dst any) error {
	if len(b.params) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b.params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: routine %s: %v", ErrInvalidParams, b.name, err)
	}
	return nil
}

// Initialize is a no-op; override it for one-time setup.
func (b *Base) Initialize(ctx context.Context) error {
	return nil
}

// Finalize is a no-op; override it to flush accumulated state.
func (b *Base) Finalize(ctx context.Context) error {
	return nil
}

// InputAs reads a logical input and converts it to T.
func InputAs[T any](b *Base, rc *Context, logical string) (T, error) {
	var zero T
	key, err := b.InputKey(logical)
	if err != nil {
		return zero, err
	}
	return store.GetAs[T](rc.Store, key)
}
