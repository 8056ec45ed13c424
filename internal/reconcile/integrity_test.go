package reconcile_test

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicrunze/evocable/internal/reconcile"
	"github.com/epicrunze/evocable/internal/store"
)

func completeBook(t *testing.T, st store.Store, bookID string) {
	t.Helper()
	percent := 100
	for _, next := range []store.State{store.StateExtracting, store.StateSegmenting, store.StateSynthesizing, store.StatePackaging, store.StateCompleted} {
		var from store.State
		switch next {
		case store.StateExtracting:
			from = store.StatePending
		case store.StateSegmenting:
			from = store.StateExtracting
		case store.StateSynthesizing:
			from = store.StateSegmenting
		case store.StatePackaging:
			from = store.StateSynthesizing
		case store.StateCompleted:
			from = store.StatePackaging
		}
		require.NoError(t, st.UpdateBookState(t.Context(), bookID, from, next, &percent, nil))
	}
}

func TestNewIntegrityChecker_nilForCloudRoot(t *testing.T) {
	st := store.NewFakeStore()
	assert.Nil(t, reconcile.NewIntegrityChecker(st, nil, "s3://evocable-blobs"))
	assert.Nil(t, reconcile.NewIntegrityChecker(st, nil, "gs://evocable-blobs"))
	assert.Nil(t, reconcile.NewIntegrityChecker(st, nil, "azblob://evocable-blobs"))
	assert.NotNil(t, reconcile.NewIntegrityChecker(st, nil, "/var/lib/evocable/blobs"))
}

func TestSweep_flagsShortAndMissingBlobs(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	root := "/var/lib/evocable/blobs"

	okID, err := st.CreateBook(ctx, "owner-1", "OK", store.FormatTXT)
	require.NoError(t, err)
	completeBook(t, st, okID)
	require.NoError(t, st.UpsertChunk(ctx, okID, 0, 3.14, 11, okID+"/chunks/0.opus"))
	require.NoError(t, st.SetTotalChunks(ctx, okID, 1))

	shortID, err := st.CreateBook(ctx, "owner-1", "Short", store.FormatTXT)
	require.NoError(t, err)
	completeBook(t, st, shortID)
	require.NoError(t, st.UpsertChunk(ctx, shortID, 0, 3.14, 999, shortID+"/chunks/0.opus"))
	require.NoError(t, st.SetTotalChunks(ctx, shortID, 1))

	missingID, err := st.CreateBook(ctx, "owner-1", "Missing", store.FormatTXT)
	require.NoError(t, err)
	completeBook(t, st, missingID)
	require.NoError(t, st.UpsertChunk(ctx, missingID, 0, 3.14, 11, missingID+"/chunks/0.opus"))
	require.NoError(t, st.SetTotalChunks(ctx, missingID, 1))

	checker := reconcile.NewIntegrityChecker(st, nil, root)
	require.NotNil(t, checker)
	checker.FS = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(checker.FS, filepath.Join(root, okID, "chunks/0.opus"), []byte("audio-bytes"), 0o644))
	require.NoError(t, afero.WriteFile(checker.FS, filepath.Join(root, shortID, "chunks/0.opus"), []byte("short"), 0o644))
	// missingID's blob is never written.

	mismatches, err := checker.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 2)

	byBook := make(map[string]reconcile.Mismatch, len(mismatches))
	for _, m := range mismatches {
		byBook[m.BookID] = m
	}
	assert.EqualValues(t, 5, byBook[shortID].OnDisk)
	assert.EqualValues(t, -1, byBook[missingID].OnDisk)
	_, flaggedOK := byBook[okID]
	assert.False(t, flaggedOK)
}
