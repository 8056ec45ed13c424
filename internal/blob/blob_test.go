package blob_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicrunze/evocable/internal/blob"
	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

func newTestStore(t *testing.T) *blob.BucketStore {
	t.Helper()
	s, err := blob.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet_roundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "b1/text.txt", bytes.NewReader([]byte("hello world"))))

	got, err := s.Get(ctx, "b1/text.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestGet_missingIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "b1/does-not-exist.txt")
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.KindIntegrity, pipelineerrors.KindOf(err))
}

func TestOpenRange_readsSubset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, "b1/chunks/0.ogg", bytes.NewReader([]byte("0123456789"))))

	r, err := s.OpenRange(ctx, "b1/chunks/0.ogg", 2, 3)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))
}

func TestDelete_recursiveAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "b1/chunks/0.ogg", bytes.NewReader([]byte("a"))))
	require.NoError(t, s.Put(ctx, "b1/chunks/1.ogg", bytes.NewReader([]byte("b"))))
	require.NoError(t, s.Put(ctx, "b1/text.txt", bytes.NewReader([]byte("c"))))

	require.NoError(t, s.Delete(ctx, "b1/"))

	for _, path := range []string{"b1/chunks/0.ogg", "b1/chunks/1.ogg", "b1/text.txt"} {
		_, err := s.Get(ctx, path)
		assert.Error(t, err)
	}

	// Idempotent: deleting again does not error.
	require.NoError(t, s.Delete(ctx, "b1/"))
}

func TestStat_returnsSize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, "b1/text.txt", bytes.NewReader([]byte("hello"))))

	attrs, err := s.Stat(ctx, "b1/text.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, attrs.Size)
}

func TestPaths_layout(t *testing.T) {
	p := blob.Paths{BookID: "b1"}

	assert.Equal(t, "b1/source.pdf", p.Source("pdf"))
	assert.Equal(t, "b1/text.txt", p.Text())
	assert.Equal(t, "b1/segments/3.mark", p.Segment(3))
	assert.Equal(t, "b1/raw/3.wav", p.RawAudio(3))
	assert.Equal(t, "b1/chunks/3.ogg", p.Chunk(3, "ogg"))
	assert.Equal(t, "b1/", p.BookPrefix())
}
