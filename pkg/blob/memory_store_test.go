package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageCommitGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ref, err := store.Stage(ctx, "run-1", "report.json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, "staging/run-1/report.json", ref)

	content, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(content))

	dest, err := store.Commit(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "committed/run-1/report.json", dest)

	// Staged ref is gone after commit.
	_, err = store.Get(ctx, ref)
	assert.Error(t, err)

	content, err = store.Get(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(content))
}

func TestCommitRejectsUnstagedRef(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Commit(ctx, "committed/run-1/report.json")
	assert.Error(t, err)

	_, err = store.Commit(ctx, "staging/run-1/missing.json")
	assert.Error(t, err)
}
