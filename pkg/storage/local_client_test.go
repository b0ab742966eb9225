package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalClient(t *testing.T) *LocalClient {
	t.Helper()
	client, err := NewLocalClient(t.TempDir(), nil)
	require.NoError(t, err)
	return client
}

func TestLocalClientRoundTrip(t *testing.T) {
	client := newTestLocalClient(t)
	ctx := context.Background()

	ref, err := client.Upload(ctx, "run_1/report.json", []byte(`{"ok":true}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(client.Root(), "run_1", "report.json")), ref)

	byPath, err := client.Download(ctx, "run_1/report.json")
	require.NoError(t, err)
	byRef, err := client.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, byPath, byRef)
	assert.JSONEq(t, `{"ok":true}`, string(byPath))
}

func TestLocalClientMissing(t *testing.T) {
	client := newTestLocalClient(t)
	ctx := context.Background()

	_, err := client.Download(ctx, "nope.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(client.Delete(ctx, "nope.txt"), ErrNotFound))
}

func TestLocalClientListAndDelete(t *testing.T) {
	client := newTestLocalClient(t)
	ctx := context.Background()

	for _, p := range []string{"run_1/b.db.1", "run_1/b.db.0", "run_2/x.txt", "top.txt"} {
		_, err := client.Upload(ctx, p, []byte("x"), nil)
		require.NoError(t, err)
	}

	names, err := client.List(ctx, "run_1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_1/b.db.0", "run_1/b.db.1"}, names)

	all, err := client.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, client.Delete(ctx, "run_1/b.db.0"))
	names, err = client.List(ctx, "run_1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_1/b.db.1"}, names)
}

func TestLocalClientRejectsEscapes(t *testing.T) {
	client := newTestLocalClient(t)
	ctx := context.Background()

	_, err := client.Download(ctx, "/etc/passwd")
	assert.Error(t, err)

	// Relative traversal is cleaned to stay under the root.
	_, err = client.Upload(ctx, "../../escape.txt", []byte("x"), nil)
	require.NoError(t, err)
	names, err := client.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"escape.txt"}, names)

	_, err = client.Upload(ctx, "", []byte("x"), nil)
	assert.Error(t, err)
}
