package flowstate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
)

func TestFileStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "states")

	store1, err := flowstate.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store1.Save(ctx, "flow-1", newState("flow-1", "multiSteps", baseTime)))
	require.NoError(t, store1.Close())

	store2, err := flowstate.NewFileStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	loaded, err := store2.Load(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "multiSteps", loaded.Name)
	assert.FileExists(t, filepath.Join(dir, "flow-1.json"))
}

func TestFileStore_InvalidFlowID(t *testing.T) {
	ctx := context.Background()
	store, err := flowstate.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		err := store.Save(ctx, id, newState(id, "multiSteps", baseTime))
		assert.Error(t, err, "id %q", id)

		_, err = store.Load(ctx, id)
		assert.Error(t, err, "id %q", id)
		assert.NotErrorIs(t, err, flowstate.ErrNotFound)
	}
}

func TestFileStore_ListSkipsForeignFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := flowstate.NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, "flow-1", newState("flow-1", "multiSteps", baseTime)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".flow-2-123.tmp"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o750))

	resp, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"flow-1"}, flowIDs(resp.FlowStates))
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := flowstate.NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, "flow-1", newState("flow-1", "multiSteps", baseTime)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "flow-1.json", entries[0].Name())
}

func TestNewFileStore_EmptyRoot(t *testing.T) {
	_, err := flowstate.NewFileStore("")
	assert.Error(t, err)
}
