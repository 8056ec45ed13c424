package client_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicrunze/evocable/internal/auth"
	"github.com/epicrunze/evocable/internal/blob"
	"github.com/epicrunze/evocable/internal/config"
	"github.com/epicrunze/evocable/internal/gateway"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/signedurl"
	"github.com/epicrunze/evocable/internal/store"
	"github.com/epicrunze/evocable/pkg/client"
)

func newTestServer(t *testing.T) (ts *httptest.Server, token string, st store.Store, bs blob.Store) {
	t.Helper()

	st = store.NewFakeStore()
	bs, err := blob.Open(t.Context(), t.TempDir())
	require.NoError(t, err)
	br := queue.NewFakeBroker()

	resolver := auth.NewFakeResolver()
	const tok = "test-token"
	const ownerID = "owner-1"
	resolver.Tokens[tok] = ownerID

	checker, err := auth.NewChecker(resolver, st, 10, time.Minute)
	require.NoError(t, err)
	signer := signedurl.NewSigner(make([]byte, 32))

	cfg := &config.Config{MaxUploadBytes: 10 << 20, SignedURLTTL: time.Hour}
	srv := gateway.NewServer(checker, st, bs, br, signer, cfg, nil, prometheus.NewRegistry())

	mux := http.NewServeMux()
	srv.Routes(mux)

	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, tok, st, bs
}

// completeBookWithOneChunk drives bookID through every stage transition and
// records one chunk, mirroring internal/gateway/gateway_test.go's harness.
func completeBookWithOneChunk(t *testing.T, st store.Store, bs blob.Store, bookID string, data []byte) {
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

	paths := blob.Paths{BookID: bookID}
	require.NoError(t, bs.Put(t.Context(), paths.Chunk(0, "opus"), bytes.NewReader(data)))
	require.NoError(t, st.UpsertChunk(t.Context(), bookID, 0, 3.14, int64(len(data)), paths.Chunk(0, "opus")))
	require.NoError(t, st.SetTotalChunks(t.Context(), bookID, 1))
}

func TestClient_submitAndFetchStatus(t *testing.T) {
	ts, token, _, _ := newTestServer(t)
	c := client.New(ts.URL, token)
	ctx := context.Background()

	bookID, err := c.SubmitBook(ctx, "My Book", "txt", "book.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.NotEmpty(t, bookID)

	book, err := c.GetStatus(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, bookID, book.ID)
	assert.Equal(t, store.StatePending, book.State)

	books, err := c.ListBooks(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, bookID, books[0].ID)
}

func TestClient_getManifestIncludesStreamURLsAndTotals(t *testing.T) {
	ts, token, st, bs := newTestServer(t)
	c := client.New(ts.URL, token)
	ctx := context.Background()

	bookID, err := c.SubmitBook(ctx, "My Book", "txt", "book.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	completeBookWithOneChunk(t, st, bs, bookID, []byte("audio-bytes"))

	manifest, err := c.GetManifest(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.TotalChunks)
	assert.Equal(t, 3.14, manifest.TotalDurationS)
	require.Len(t, manifest.Chunks, 1)
	assert.Equal(t, 0, manifest.Chunks[0].Seq)
	assert.EqualValues(t, len("audio-bytes"), manifest.Chunks[0].ByteSize)
	assert.NotEmpty(t, manifest.Chunks[0].URL)
}

func TestClient_getManifestNotCompletedIsError(t *testing.T) {
	ts, token, _, _ := newTestServer(t)
	c := client.New(ts.URL, token)
	ctx := context.Background()

	bookID, err := c.SubmitBook(ctx, "My Book", "txt", "book.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = c.GetManifest(ctx, bookID)
	require.Error(t, err)
}

func TestClient_deleteBook(t *testing.T) {
	ts, token, _, _ := newTestServer(t)
	c := client.New(ts.URL, token)
	ctx := context.Background()

	bookID, err := c.SubmitBook(ctx, "My Book", "txt", "book.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	require.NoError(t, c.DeleteBook(ctx, bookID))

	_, err = c.GetStatus(ctx, bookID)
	require.Error(t, err)
}

func TestClient_wrongTokenIsUnauthorized(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	c := client.New(ts.URL, "not-a-real-token")

	_, err := c.GetStatus(context.Background(), "some-book-id")
	require.Error(t, err)
}
