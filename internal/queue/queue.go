// Package queue implements the Queue Broker contract (spec §4.3): named,
// stage-specific FIFO queues with at-least-once delivery and lease-based
// reservation, so a crashed or slow worker's job becomes visible to another
// worker again without operator intervention.
package queue

import (
	"context"
	"time"
)

// Stage queue names (spec §4.3).
const (
	QueueExtract    = "extract"
	QueueSegment    = "segment"
	QueueSynthesize = "synthesize"
	QueuePackage    = "package"
)

// Job is one unit of work: a book at a particular stage, plus how many
// times a worker has already attempted it.
type Job struct {
	BookID       string
	AttemptCount int
	StageInputs  map[string]string
}

// Receipt identifies a single reservation of a Job, returned by Reserve and
// required by Ack/Nack. It is opaque to callers.
type Receipt string

// Broker is the Queue Broker contract.
//
// Guarantees: at-least-once delivery; FIFO per queue under a single
// consumer (ordering across concurrent consumers is best-effort); messages
// survive broker restart.
type Broker interface {
	// Enqueue adds job to queue, making it immediately reservable.
	Enqueue(ctx context.Context, queueName string, job Job) error

	// Reserve claims the oldest reservable job on queueName for
	// consumerID, making it invisible to other consumers for
	// leaseDuration. Returns (nil, "", nil) if the queue is empty.
	Reserve(ctx context.Context, queueName, consumerID string, leaseDuration time.Duration) (*Job, Receipt, error)

	// Ack permanently removes the job identified by receipt.
	Ack(ctx context.Context, receipt Receipt) error

	// Nack returns the job to its queue after requeueDelay, incrementing
	// its attempt count.
	Nack(ctx context.Context, receipt Receipt, requeueDelay time.Duration) error
}
