package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/epicrunze/evocable/internal/observability"
	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/stageclient"
	"github.com/epicrunze/evocable/internal/store"
	"github.com/epicrunze/evocable/internal/waiting"
)

// Backoff parameters for Nack'd transient failures (spec §4.4): base 1s,
// factor 2, jitter ±25%, cap 5 min.
const (
	backoffBase   = time.Second
	backoffFactor = 2
	backoffCap    = 5 * time.Minute
	backoffJitter = 0.25
)

// Worker runs one stage's Stage Worker Protocol loop (spec §4.4) against
// one consumer identity, reserving jobs from Spec.Queue until ctx is
// canceled.
type Worker struct {
	Spec         Spec
	Store        store.Store
	Broker       queue.Broker
	Client       *stageclient.Client
	Lease        time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	ConsumerID   string
	Logger       *observability.CoreLogger

	// NewDelay is overridable in tests so Run's poll waits don't
	// actually sleep wall-clock time. Retry backoff is not a wait here:
	// it is passed to Broker.Nack as the requeue delay.
	NewDelay func(time.Duration) waiting.Delay
}

func (w *Worker) newDelay(d time.Duration) waiting.Delay {
	if w.NewDelay != nil {
		return w.NewDelay(d)
	}
	return waiting.NewDelay(d)
}

// Run reserves and processes jobs until ctx is canceled, sleeping
// PollInterval between empty reservations.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		handled, err := w.ProcessOne(ctx)
		if err != nil && w.Logger != nil {
			w.Logger.CaptureError(fmt.Errorf("pipeline: %s worker: %w", w.Spec.Name, err))
		}
		if handled {
			continue // try again immediately; there may be more backlog
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.newDelay(w.PollInterval).Wait():
		}
	}
}

// ProcessOne reserves at most one job and, if one was available, runs it
// to completion (including any Nack/Ack). It returns handled=true if a
// job was reserved, regardless of whether it ultimately succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (handled bool, err error) {
	job, receipt, err := w.Broker.Reserve(ctx, w.Spec.Queue, w.ConsumerID, w.Lease)
	if err != nil {
		return false, fmt.Errorf("reserving: %w", err)
	}
	if job == nil {
		return false, nil
	}

	return true, w.process(ctx, *job, receipt)
}

func (w *Worker) process(ctx context.Context, job queue.Job, receipt queue.Receipt) error {
	book, err := w.Store.GetBook(ctx, job.BookID)
	if err != nil {
		if pipelineerrors.Is(err, pipelineerrors.KindAuth) {
			// Book was deleted while this job was in flight (spec §4.5:
			// "the worker's next UpdateBookState will fail with NotFound
			// and the worker must Ack and discard"). GetBook already
			// failed the same way; discard without writing blobs.
			return w.Broker.Ack(ctx, receipt)
		}
		return w.retryOrFail(ctx, job, receipt, "", err)
	}

	// Step 2: stale job (a prior attempt already advanced this book).
	if book.State != w.Spec.EntryState && book.State != w.Spec.RunningState {
		return w.Broker.Ack(ctx, receipt)
	}

	// Step 3: declare intent to run.
	if book.State == w.Spec.EntryState {
		entryPercent := w.Spec.EntryPercent
		if err := w.Store.UpdateBookState(ctx, book.ID, w.Spec.EntryState, w.Spec.RunningState, &entryPercent, nil); err != nil {
			if pipelineerrors.Is(err, pipelineerrors.KindStaleTransition) || pipelineerrors.Is(err, pipelineerrors.KindAuth) {
				return w.Broker.Ack(ctx, receipt)
			}
			return w.retryOrFail(ctx, job, receipt, w.Spec.RunningState, err)
		}
	}

	// Steps 4-5: load inputs, run the external collaborator.
	req := stageclient.Request{BookID: book.ID, InputPaths: w.Spec.InputPaths(book)}
	result, err := w.Client.Run(ctx, req)
	if err != nil {
		return w.retryOrFail(ctx, job, receipt, w.Spec.RunningState, err)
	}

	// Step 6: record stage outputs.
	if w.Spec.RecordOutputs != nil {
		if err := w.Spec.RecordOutputs(ctx, w.Store, book.ID, result); err != nil {
			return w.retryOrFail(ctx, job, receipt, w.Spec.RunningState, err)
		}
	}

	// Step 7: advance to the next state.
	exitPercent := w.Spec.ExitPercent
	if err := w.Store.UpdateBookState(ctx, book.ID, w.Spec.RunningState, w.Spec.NextState, &exitPercent, nil); err != nil {
		if pipelineerrors.Is(err, pipelineerrors.KindStaleTransition) || pipelineerrors.Is(err, pipelineerrors.KindAuth) {
			return w.Broker.Ack(ctx, receipt)
		}
		return w.retryOrFail(ctx, job, receipt, w.Spec.RunningState, err)
	}

	// Step 8: enqueue the next stage, if any.
	if w.Spec.NextQueue != "" {
		nextJob := queue.Job{BookID: book.ID, StageInputs: job.StageInputs}
		if err := w.Broker.Enqueue(ctx, w.Spec.NextQueue, nextJob); err != nil {
			return fmt.Errorf("enqueuing %s: %w", w.Spec.NextQueue, err)
		}
	}

	// Step 9.
	return w.Broker.Ack(ctx, receipt)
}

// retryOrFail classifies err per spec §4.4's error handling: Nack with
// backoff while attempts remain and the failure is transient, otherwise
// mark the book Failed and Ack. failedFromState is the state the book is
// presently in (so the Failed transition's expected-state guard matches);
// it may be empty if the book row couldn't be read at all, in which case
// the Failed transition is skipped.
func (w *Worker) retryOrFail(ctx context.Context, job queue.Job, receipt queue.Receipt, failedFromState store.State, cause error) error {
	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if pipelineerrors.Is(cause, pipelineerrors.KindTransient) && job.AttemptCount < maxAttempts {
		delay := computeBackoff(job.AttemptCount)
		if err := w.Broker.Nack(ctx, receipt, delay); err != nil {
			return fmt.Errorf("nacking after transient error %v: %w", cause, err)
		}
		return cause
	}

	if failedFromState != "" {
		reason := cause.Error()
		if err := w.Store.UpdateBookState(ctx, job.BookID, failedFromState, store.StateFailed, nil, &reason); err != nil &&
			!pipelineerrors.Is(err, pipelineerrors.KindStaleTransition) && !pipelineerrors.Is(err, pipelineerrors.KindAuth) {
			return fmt.Errorf("marking book %s failed after %v: %w", job.BookID, cause, err)
		}
	}
	if err := w.Broker.Ack(ctx, receipt); err != nil {
		return fmt.Errorf("acking after fatal error %v: %w", cause, err)
	}
	return cause
}

// computeBackoff returns the delay before the (attempt+1)th retry:
// base * factor^attempt, capped, with ±25% jitter.
func computeBackoff(attempt int) time.Duration {
	d := float64(backoffBase)
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
	}
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}

	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(d * jitter)
}
