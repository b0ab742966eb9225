// Package constant provides a routine that writes configured values into
// every TOD's store.
package constant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/todloop/pkg/routine"
	"go.uber.org/zap"
)

// Type is the routine type registered for Constant.
const Type = "constant"

// Data types a field may declare.
const (
	DataTypeString  = "STRING"
	DataTypeNumber  = "NUMBER"
	DataTypeBoolean = "BOOLEAN"
	DataTypeJSON    = "JSON"
)

// Params represents the configuration of a constant routine.
type Params struct {
	Fields []Field `json:"fields"`
}

// Field is one constant. Name is a logical output of the routine.
type Field struct {
	Name     string          `json:"name"`
	DataType string          `json:"dataType"`
	String   string          `json:"string,omitempty"`
	Number   json.Number     `json:"number,omitempty"`
	Boolean  bool            `json:"boolean,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// value converts the field to the Go value stored for it.
func (f Field) value() (any, error) {
	switch f.DataType {
	case DataTypeString, "":
		return f.String, nil
	case DataTypeNumber:
		if f.Number == "" {
			return float64(0), nil
		}
		return f.Number.Float64()
	case DataTypeBoolean:
		return f.Boolean, nil
	case DataTypeJSON:
		var v any
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown data type %q", f.DataType)
	}
}

// Constant writes the same values for every TOD.
type Constant struct {
	routine.Base
	values map[string]any
}

// New creates a constant routine. Values are decoded once here.
func New(cfg routine.Config, logger *zap.Logger) (routine.Routine, error) {
	base := routine.NewBase(cfg, logger)
	var p Params
	if err := base.DecodeParams(&p); err != nil {
		return nil, err
	}
	if len(p.Fields) == 0 {
		return nil, fmt.Errorf("%w: routine %s: no fields configured", routine.ErrInvalidParams, base.Name())
	}

	values := make(map[string]any, len(p.Fields))
	for _, f := range p.Fields {
		if !base.HasOutput(f.Name) {
			return nil, fmt.Errorf("%w: routine %s: field %q is not a declared output", routine.ErrInvalidParams, base.Name(), f.Name)
		}
		v, err := f.value()
		if err != nil {
			return nil, fmt.Errorf("%w: routine %s: field %q: %v", routine.ErrInvalidParams, base.Name(), f.Name, err)
		}
		values[f.Name] = v
	}
	return &Constant{Base: base, values: values}, nil
}

// Execute writes every configured value.
func (c *Constant) Execute(ctx context.Context, rc *routine.Context) error {
	for name, v := range c.values {
		if err := c.Output(rc, name, v); err != nil {
			return err
		}
	}
	return nil
}
