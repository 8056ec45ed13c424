package pipeline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicrunze/evocable/internal/pipeline"
	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/stageclient"
	"github.com/epicrunze/evocable/internal/store"
	"github.com/epicrunze/evocable/internal/waiting"
	"github.com/epicrunze/evocable/internal/waitingtest"
)

func newExtractWorker(t *testing.T, st store.Store, br queue.Broker, srv *httptest.Server) *pipeline.Worker {
	t.Helper()
	specs := pipeline.Specs()
	return &pipeline.Worker{
		Spec:         specs["extract"],
		Store:        st,
		Broker:       br,
		Client:       stageclient.New(srv.URL),
		Lease:        time.Minute,
		MaxAttempts:  3,
		PollInterval: time.Millisecond,
		ConsumerID:   "test-worker",
	}
}

func TestProcessOne_extractHappyPath(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: bookID}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stageclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.InputPaths["source"], "source.pdf")
		json.NewEncoder(w).Encode(stageclient.Result{OutputPaths: []string{bookID + "/text.txt"}})
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	handled, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	book, err := st.GetBook(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, store.StateSegmenting, book.State)
	assert.Equal(t, 10, book.PercentComplete)

	job, _, err := br.Reserve(ctx, queue.QueueSegment, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job, "extract must enqueue the segment job")
	assert.Equal(t, bookID, job.BookID)
}

func TestProcessOne_staleJobIsAckedWithoutCallingCollaborator(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	// Simulate a prior attempt having already advanced the book past
	// extract's entry/running states.
	percent := 10
	require.NoError(t, st.UpdateBookState(ctx, bookID, store.StatePending, store.StateExtracting, &percent, nil))
	require.NoError(t, st.UpdateBookState(ctx, bookID, store.StateExtracting, store.StateSegmenting, &percent, nil))
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: bookID}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("collaborator should not be called for a stale job")
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	handled, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	job, _, err := br.Reserve(ctx, queue.QueueExtract, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "stale job must be acked, not redelivered")
}

func TestProcessOne_deletedBookIsAckedWithoutFailing(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: "never-existed"}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("collaborator should not be called for a deleted book")
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	handled, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestProcessOne_transientFailureNacksForRetry(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: bookID}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	handled, err := w.ProcessOne(ctx)
	assert.True(t, handled)
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.KindTransient, pipelineerrors.KindOf(err))

	book, err := st.GetBook(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, store.StateExtracting, book.State, "book stays in the running state pending retry")
}

func TestProcessOne_exhaustedAttemptsFailsBook(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: bookID, AttemptCount: 3}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	handled, err := w.ProcessOne(ctx)
	assert.True(t, handled)
	require.Error(t, err)

	book, err := st.GetBook(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, book.State)
	require.NotNil(t, book.ErrorMessage)
}

func TestProcessOne_fatalCollaboratorErrorFailsBookImmediately(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: bookID}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	_, err = w.ProcessOne(ctx)
	require.Error(t, err)

	book, err := st.GetBook(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, book.State, "a fatal classification fails immediately, no retries")
}

func TestProcessOne_emptyQueueReturnsNotHandled(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("collaborator should not be called")
	}))
	defer srv.Close()

	w := newExtractWorker(t, st, br, srv)
	handled, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestProcessOne_packageStageRecordsChunksAndCompletes(t *testing.T) {
	ctx := t.Context()
	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	percent := 50
	require.NoError(t, st.UpdateBookState(ctx, bookID, store.StatePending, store.StateExtracting, &percent, nil))
	require.NoError(t, st.UpdateBookState(ctx, bookID, store.StateExtracting, store.StateSegmenting, &percent, nil))
	require.NoError(t, st.UpdateBookState(ctx, bookID, store.StateSegmenting, store.StateSynthesizing, &percent, nil))
	require.NoError(t, st.UpdateBookState(ctx, bookID, store.StateSynthesizing, store.StatePackaging, &percent, nil))
	require.NoError(t, br.Enqueue(ctx, queue.QueuePackage, queue.Job{BookID: bookID}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stageclient.Result{
			OutputPaths: []string{bookID + "/chunks/0.opus", bookID + "/chunks/1.opus"},
			Metadata: map[string]string{
				"0.duration_s": "3.14",
				"0.byte_size":  "1024",
				"0.blob_path":  bookID + "/chunks/0.opus",
				"1.duration_s": "2.01",
				"1.byte_size":  "900",
				"1.blob_path":  bookID + "/chunks/1.opus",
			},
		})
	}))
	defer srv.Close()

	specs := pipeline.Specs()
	w := &pipeline.Worker{
		Spec:         specs["package"],
		Store:        st,
		Broker:       br,
		Client:       stageclient.New(srv.URL),
		Lease:        time.Minute,
		MaxAttempts:  3,
		PollInterval: time.Millisecond,
		ConsumerID:   "test-worker",
	}

	handled, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	book, err := st.GetBook(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, book.State)
	require.NotNil(t, book.TotalChunks)
	assert.Equal(t, 2, *book.TotalChunks)

	chunks, err := st.ListChunks(ctx, bookID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}

// TestRun_pollsOnEmptyQueueThenProcessesJob drives Worker.Run with a
// controllable poll delay: it must wait between empty reservations, then
// stop waiting and process the job as soon as one is enqueued, without
// ever sleeping wall-clock time.
func TestRun_pollsOnEmptyQueueThenProcessesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	st := store.NewFakeStore()
	br := queue.NewFakeBroker()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stageclient.Result{OutputPaths: []string{"out.txt"}})
	}))
	defer srv.Close()

	delay := waitingtest.NewFakeDelay()
	specs := pipeline.Specs()
	w := &pipeline.Worker{
		Spec:         specs["extract"],
		Store:        st,
		Broker:       br,
		Client:       stageclient.New(srv.URL),
		Lease:        time.Minute,
		MaxAttempts:  3,
		PollInterval: time.Millisecond,
		ConsumerID:   "test-worker",
		NewDelay:     func(time.Duration) waiting.Delay { return delay },
	}

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	// First reservation finds nothing; Run must block in newDelay(...).Wait()
	// rather than spin. Confirm that, then let every subsequent wait resolve
	// immediately so the enqueued job below gets picked up on the next poll
	// regardless of exactly when that poll happens.
	delay.WaitAndTick(t, true, time.Second)
	delay.SetZero()

	bookID, err := st.CreateBook(ctx, "owner-1", "Title", store.FormatPDF)
	require.NoError(t, err)
	require.NoError(t, br.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: bookID}))

	require.Eventually(t, func() bool {
		book, err := st.GetBook(ctx, bookID)
		return err == nil && book.State == store.StateSegmenting
	}, time.Second, time.Millisecond)

	cancel()
	err = <-runErr
	assert.ErrorIs(t, err, context.Canceled)
}
