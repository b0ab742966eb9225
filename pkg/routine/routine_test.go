package routine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/todloop/pkg/store"
	"go.uber.org/zap"
)

type scaleParams struct {
	Factor float64 `json:"factor"`
}

type scale struct {
	Base
	params scaleParams
}

func newScale(cfg Config, logger *zap.Logger) (Routine, error) {
	r := &scale{Base: NewBase(cfg, logger)}
	if err := r.DecodeParams(&r.params); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *scale) Execute(ctx context.Context, rc *Context) error {
	v, err := InputAs[float64](&r.Base, rc, "value")
	if err != nil {
		return err
	}
	return r.Output(rc, "value", v*r.params.Factor)
}

func TestConfigNormalized(t *testing.T) {
	t.Run("name defaults to type", func(t *testing.T) {
		cfg := Config{Type: "scale"}.Normalized()
		assert.Equal(t, "scale", cfg.Name)
	})

	t.Run("legacy keys fold into mappings", func(t *testing.T) {
		cfg := Config{Name: "scan", InputKey: "tod", OutputKey: "scan_params"}.Normalized()
		assert.Equal(t, KeyMap{LegacyInputName: "tod"}, cfg.Inputs)
		assert.Equal(t, KeyMap{LegacyOutputName: "scan_params"}, cfg.Outputs)
		assert.Empty(t, cfg.InputKey)
		assert.Empty(t, cfg.OutputKey)
	})

	t.Run("explicit mapping wins over legacy key", func(t *testing.T) {
		cfg := Config{
			Name:     "scan",
			Inputs:   KeyMap{LegacyInputName: "raw"},
			InputKey: "tod",
		}.Normalized()
		assert.Equal(t, store.Key("raw"), cfg.Inputs[LegacyInputName])
	})

	t.Run("does not alias caller maps", func(t *testing.T) {
		in := KeyMap{"tod": "tod"}
		cfg := Config{Name: "x", Inputs: in}.Normalized()
		cfg.Inputs["extra"] = "k"
		assert.NotContains(t, in, "extra")
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Name: "a", Inputs: KeyMap{"x": "k1"}}},
		{name: "no inputs at all", cfg: Config{Name: "c"}},
		{name: "missing name", cfg: Config{}, wantErr: true},
		{name: "empty input key", cfg: Config{Name: "a", Inputs: KeyMap{"x": ""}}, wantErr: true},
		{name: "empty output logical", cfg: Config{Name: "a", Outputs: KeyMap{"": "k"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBaseInputOutput(t *testing.T) {
	r, err := newScale(Config{
		Name:    "scale",
		Inputs:  KeyMap{"value": "raw"},
		Outputs: KeyMap{"value": "scaled"},
		Params:  json.RawMessage(`{"factor": 2}`),
	}, zap.NewNop())
	require.NoError(t, err)

	rc := NewContext("run-1", "tod-a", 0)
	rc.Store.Set("raw", 21.0)

	require.NoError(t, r.Execute(context.Background(), rc))

	got, err := rc.Store.Get("scaled")
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
}

func TestBaseMissingInputIsKeyNotFound(t *testing.T) {
	r, err := newScale(Config{
		Name:    "scale",
		Inputs:  KeyMap{"value": "raw"},
		Outputs: KeyMap{"value": "scaled"},
	}, nil)
	require.NoError(t, err)

	err = r.Execute(context.Background(), NewContext("run-1", "tod-a", 0))
	assert.True(t, errors.Is(err, store.ErrKeyNotFound))
}

func TestBaseUndeclaredLogicalName(t *testing.T) {
	b := NewBase(Config{Name: "b"}, nil)
	rc := NewContext("run", "tod", 0)

	_, err := b.Input(rc, "nope")
	assert.True(t, errors.Is(err, ErrUnknownLogicalName))

	err = b.Output(rc, "nope", 1)
	assert.True(t, errors.Is(err, ErrUnknownLogicalName))
	assert.Equal(t, 0, rc.Store.Len())
}

func TestBaseMappingsAreImmutable(t *testing.T) {
	cfg := Config{Name: "b", Inputs: KeyMap{"x": "k1"}}
	b := NewBase(cfg, nil)

	cfg.Inputs["x"] = "changed"
	got := b.Inputs()
	got["x"] = "changed-again"

	key, err := b.InputKey("x")
	require.NoError(t, err)
	assert.Equal(t, store.Key("k1"), key)
}

func TestDecodeParamsRejectsUnknownFields(t *testing.T) {
	_, err := newScale(Config{Name: "s", Params: json.RawMessage(`{"factr": 2}`)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParams))
}

func TestBaseDefaultLifecycleHooks(t *testing.T) {
	b := NewBase(Config{Name: "b"}, nil)
	assert.NoError(t, b.Initialize(context.Background()))
	assert.NoError(t, b.Finalize(context.Background()))
	assert.Equal(t, "b", b.Name())
	assert.NotNil(t, b.Logger())
}
