package queue

import (
	"context"
	"sync"
	"time"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/randomid"
)

type fakeEntry struct {
	job       Job
	queueName string
	visibleAt time.Time
	receipt   Receipt
	seq       int64
}

// FakeBroker is an in-memory Broker for unit tests. It implements the same
// reservation/lease semantics as PGBroker without needing Postgres.
type FakeBroker struct {
	mu      sync.Mutex
	entries map[int64]*fakeEntry
	nextSeq int64

	// Now, if set, is used instead of time.Now — tests can advance it to
	// simulate lease expiry deterministically.
	Now func() time.Time
}

var _ Broker = (*FakeBroker)(nil)

// NewFakeBroker returns an empty FakeBroker using the real clock.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		entries: make(map[int64]*fakeEntry),
		Now:     time.Now,
	}
}

func (b *FakeBroker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *FakeBroker) Enqueue(_ context.Context, queueName string, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	b.entries[b.nextSeq] = &fakeEntry{
		job:       job,
		queueName: queueName,
		visibleAt: b.now(),
		seq:       b.nextSeq,
	}
	return nil
}

func (b *FakeBroker) Reserve(_ context.Context, queueName, _ string, leaseDuration time.Duration) (*Job, Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var best *fakeEntry
	for _, e := range b.entries {
		if e.queueName != queueName || e.visibleAt.After(now) {
			continue
		}
		if best == nil || e.seq < best.seq {
			best = e
		}
	}
	if best == nil {
		return nil, "", nil
	}

	receipt := Receipt(randomid.GenerateUniqueID(32))
	best.receipt = receipt
	best.visibleAt = now.Add(leaseDuration)

	job := best.job
	return &job, receipt, nil
}

func (b *FakeBroker) Ack(_ context.Context, receipt Receipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, e := range b.entries {
		if e.receipt == receipt {
			delete(b.entries, id)
			return nil
		}
	}
	return nil // idempotent: already gone or lease already reassigned
}

func (b *FakeBroker) Nack(_ context.Context, receipt Receipt, requeueDelay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.receipt == receipt {
			e.job.AttemptCount++
			e.receipt = ""
			e.visibleAt = b.now().Add(requeueDelay)
			return nil
		}
	}
	return pipelineerrors.StaleTransitionf("queue: nack: receipt %s no longer held", receipt)
}
