package stageclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/retryableclient"
	"github.com/epicrunze/evocable/internal/stageclient"
)

func newTestClient(t *testing.T, srv *httptest.Server) *stageclient.Client {
	t.Helper()
	return stageclient.New(srv.URL,
		retryableclient.WithRetryClientRetryMax(0),
		retryableclient.WithRetryClientHttpTimeout(5*time.Second),
	)
}

func TestRun_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stageclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "book-1", req.BookID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stageclient.Result{
			OutputPaths: []string{"book-1/text.txt"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	result, err := c.Run(t.Context(), stageclient.Request{BookID: "book-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"book-1/text.txt"}, result.OutputPaths)
}

func TestRun_serverErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("try later"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Run(t.Context(), stageclient.Request{BookID: "book-1"})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.KindTransient, pipelineerrors.KindOf(err))
}

func TestRun_clientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad input"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Run(t.Context(), stageclient.Request{BookID: "book-1"})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.KindFatal, pipelineerrors.KindOf(err))
}

func TestRun_malformedResponseIsIntegrityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Run(t.Context(), stageclient.Request{BookID: "book-1"})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.KindIntegrity, pipelineerrors.KindOf(err))
}
