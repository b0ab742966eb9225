package routine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFactoryCreate(t *testing.T) {
	factory := NewFactory(zap.NewNop())
	assert.False(t, factory.HasCreator("scale"))

	factory.Register("scale", newScale)
	assert.True(t, factory.HasCreator("scale"))
	assert.Equal(t, 1, factory.Count())

	r, err := factory.Create(Config{Type: "scale", Inputs: KeyMap{"value": "raw"}})
	require.NoError(t, err)
	assert.Equal(t, "scale", r.Name())

	wired, ok := r.(Wired)
	require.True(t, ok)
	assert.Equal(t, KeyMap{"value": "raw"}, wired.Inputs())
}

func TestFactoryUnknownType(t *testing.T) {
	factory := NewFactory(nil)
	_, err := factory.Create(Config{Type: "missing"})
	assert.True(t, errors.Is(err, ErrUnknownRoutineType), "got %v", err)
}

func TestFactoryCreatorError(t *testing.T) {
	factory := NewFactory(nil)
	factory.Register("scale", newScale)

	_, err := factory.Create(Config{Type: "scale", Params: []byte(`{"bogus": true}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParams))
	assert.Contains(t, err.Error(), "failed to create routine scale (scale)")
}

func TestFactoryCreateAllKeepsOrder(t *testing.T) {
	factory := NewFactory(nil)
	factory.Register("scale", newScale)

	routines, err := factory.CreateAll([]Config{
		{Name: "first", Type: "scale"},
		{Name: "second", Type: "scale"},
	})
	require.NoError(t, err)
	require.Len(t, routines, 2)
	assert.Equal(t, "first", routines[0].Name())
	assert.Equal(t, "second", routines[1].Name())

	_, err = factory.CreateAll([]Config{{Name: "ok", Type: "scale"}, {Type: "nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routine #1")
}

func TestFactoryRegisteredTypesAndUnregister(t *testing.T) {
	factory := NewFactory(nil)
	factory.Register("b", newScale)
	factory.Register("a", newScale)

	assert.Equal(t, []string{"a", "b"}, factory.RegisteredTypes())
	assert.True(t, factory.Unregister("a"))
	assert.False(t, factory.Unregister("a"))
	assert.Equal(t, []string{"b"}, factory.RegisteredTypes())
}
