package filestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gammadia/warden/rm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func definition(name string) rm.NodeSourceDefinition {
	return rm.NodeSourceDefinition{
		Name:                 name,
		Infrastructure:       "ssh",
		InfrastructureParams: []string{"2", "1m"},
		Policy:               "static",
		PolicyParams:         []string{"ALL", "ME"},
		Recoverable:          true,
		Administrator:        "admin",
		PingFrequency:        30 * time.Second,
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.yaml"))

	recovered, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	store := New(path)
	ctx := t.Context()

	require.NoError(t, store.SaveNodeSource(ctx, definition("gpu")))
	require.NoError(t, store.SaveNodeSource(ctx, definition("cpu")))
	require.NoError(t, store.SaveNode(ctx, "gpu", "ssh://h1/10"))
	require.NoError(t, store.SaveNode(ctx, "gpu", "ssh://h1/11"))
	// Saving is idempotent
	require.NoError(t, store.SaveNode(ctx, "gpu", "ssh://h1/10"))
	require.NoError(t, store.SaveNodeSource(ctx, definition("gpu")))

	// A fresh store reads what the first one wrote
	recovered, err := New(path).Load(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	assert.Equal(t, "cpu", recovered[0].Definition.Name)
	assert.Empty(t, recovered[0].Nodes)
	assert.Equal(t, definition("gpu"), recovered[1].Definition)
	assert.Equal(t, []string{"ssh://h1/10", "ssh://h1/11"}, recovered[1].Nodes)
}

func TestDelete(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.yaml"))
	ctx := t.Context()

	require.NoError(t, store.SaveNodeSource(ctx, definition("gpu")))
	require.NoError(t, store.SaveNodeSource(ctx, definition("cpu")))
	require.NoError(t, store.SaveNode(ctx, "gpu", "ssh://h1/10"))
	require.NoError(t, store.SaveNode(ctx, "gpu", "ssh://h1/11"))

	require.NoError(t, store.DeleteNode(ctx, "gpu", "ssh://h1/10"))
	require.NoError(t, store.DeleteNode(ctx, "unknown", "ssh://h1/10"))
	require.NoError(t, store.DeleteNodeSource(ctx, "cpu"))

	recovered, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, []string{"ssh://h1/11"}, recovered[0].Nodes)
}

func TestSaveNodeOfUnknownSource(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.yaml"))
	assert.EqualError(t, store.SaveNode(t.Context(), "gpu", "ssh://h1/10"), "node source 'gpu' is not stored")
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node-sources: {"), 0o644))

	_, err := New(path).Load(t.Context())
	assert.ErrorContains(t, err, "failed to parse store")
}
