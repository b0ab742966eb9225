package routine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wehubfusion/todloop/pkg/store"
)

// Legacy logical names used when a configuration carries a single
// input_key/output_key instead of full mappings.
const (
	LegacyInputName  = "input"
	LegacyOutputName = "output"
)

// KeyMap maps a routine's logical data names to store keys.
type KeyMap map[string]store.Key

// Clone returns an independent copy of the mapping.
func (m KeyMap) Clone() KeyMap {
	out := make(KeyMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the logical names in lexical order.
func (m KeyMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Keys returns the distinct store keys referenced by the mapping, sorted.
func (m KeyMap) Keys() []store.Key {
	seen := make(map[store.Key]struct{}, len(m))
	keys := make([]store.Key, 0, len(m))
	for _, k := range m {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Config is the construction-time configuration of a routine.
// It is decoded once and never changes for the routine's lifetime.
type Config struct {
	// Name identifies the routine instance. Defaults to Type.
	Name string `json:"name,omitempty"`

	// Type selects the creator in a Factory.
	Type string `json:"type"`

	// Inputs maps logical names to the store keys the routine reads.
	Inputs KeyMap `json:"inputs,omitempty"`

	// Outputs maps logical names to the store keys the routine writes.
	Outputs KeyMap `json:"outputs,omitempty"`

	// InputKey is the legacy single-input form; it becomes Inputs["input"].
	InputKey store.Key `json:"input_key,omitempty"`

	// OutputKey is the legacy single-output form; it becomes Outputs["output"].
	OutputKey store.Key `json:"output_key,omitempty"`

	// Params holds routine-specific parameters, decoded by the routine itself.
	Params json.RawMessage `json:"params,omitempty"`
}

// Normalized returns a copy with defaults applied and legacy keys folded
// into the Inputs/Outputs mappings.
func (c Config) Normalized() Config {
	out := c
	out.Inputs = c.Inputs.Clone()
	out.Outputs = c.Outputs.Clone()
	if out.Name == "" {
		out.Name = out.Type
	}
	if c.InputKey != "" {
		if _, ok := out.Inputs[LegacyInputName]; !ok {
			out.Inputs[LegacyInputName] = c.InputKey
		}
	}
	if c.OutputKey != "" {
		if _, ok := out.Outputs[LegacyOutputName]; !ok {
			out.Outputs[LegacyOutputName] = c.OutputKey
		}
	}
	out.InputKey = ""
	out.OutputKey = ""
	return out
}

// Validate checks the configuration for empty names and keys.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if err := validateKeyMap(c.Name, "inputs", c.Inputs); err != nil {
		return err
	}
	return validateKeyMap(c.Name, "outputs", c.Outputs)
}

func validateKeyMap(name, field string, m KeyMap) error {
	for logical, key := range m {
		if logical == "" {
			return fmt.Errorf("%w: routine %s: empty logical name in %s", ErrInvalidConfig, name, field)
		}
		if key == "" {
			return fmt.Errorf("%w: routine %s: %s[%s] has an empty store key", ErrInvalidConfig, name, field, logical)
		}
	}
	return nil
}
