// Package reconcile implements the boot-time reconciliation sweep (spec
// §4.6): SubmitBook creates the book row, then writes the blob, then
// enqueues the extract job as three separate steps, so a crash or a
// queue-broker outage between steps can leave a book Pending with no job
// ever enqueued. This sweep finds exactly those books and re-enqueues
// them, once, at gateway startup, and is safe to run again later or
// concurrently with normal traffic: a book that already has a job in
// flight just gets a second, harmless reservation (internal/pipeline's
// stale-job check discards the redundant one without side effects).
package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/epicrunze/evocable/internal/observability"
	"github.com/epicrunze/evocable/internal/queue"
	"github.com/epicrunze/evocable/internal/store"
)

// defaultRateLimit bounds how many jobs per second the sweep enqueues, so
// a large Pending backlog at startup doesn't thundering-herd the queue
// broker the instant the gateway comes up.
const defaultRateLimit = rate.Limit(20)

// pageSize bounds how many pending books Sweeper loads per ListPendingBooks
// call.
const pageSize = 200

// Sweeper re-enqueues orphaned Pending books on a rate-limited schedule.
type Sweeper struct {
	Books   store.Store
	Broker  queue.Broker
	Logger  *observability.CoreLogger
	Limiter *rate.Limiter
}

// NewSweeper returns a Sweeper with a default 20 jobs/sec rate limit.
func NewSweeper(books store.Store, broker queue.Broker, logger *observability.CoreLogger) *Sweeper {
	return &Sweeper{
		Books:   books,
		Broker:  broker,
		Logger:  logger,
		Limiter: rate.NewLimiter(defaultRateLimit, 1),
	}
}

// Run re-enqueues every book currently in StatePending, up to pageSize of
// them. Enqueueing a job doesn't change a book's state (only the Stage
// Worker Protocol's own UpdateBookState call does that), so a single
// snapshot read is taken rather than paging by offset: re-reading after
// enqueueing would see the same still-Pending rows again. A backlog
// larger than pageSize is caught across successive gateway restarts, or
// by calling Run again later; this is a safety net against lost
// enqueues, not a replacement for SubmitBook's own enqueue call.
func (s *Sweeper) Run(ctx context.Context) (enqueued int, err error) {
	books, err := s.Books.ListPendingBooks(ctx, pageSize)
	if err != nil {
		return 0, fmt.Errorf("reconcile: listing pending books: %w", err)
	}

	for _, book := range books {
		if err := s.Limiter.Wait(ctx); err != nil {
			return enqueued, err
		}
		if err := s.Broker.Enqueue(ctx, queue.QueueExtract, queue.Job{BookID: book.ID}); err != nil {
			return enqueued, fmt.Errorf("reconcile: enqueueing book %s: %w", book.ID, err)
		}
		enqueued++
		if s.Logger != nil {
			s.Logger.CaptureInfo("reconcile: re-enqueued orphaned pending book", "book_id", book.ID)
		}
	}
	return enqueued, nil
}
