package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/randomid"
)

// PGBroker is the Postgres-backed Queue Broker. Reservation uses
// `SELECT ... FOR UPDATE SKIP LOCKED` so concurrent workers each claim a
// distinct row instead of blocking on one another — the standard Postgres
// queue pattern (spec §4.3's FIFO-per-queue, at-least-once, survives-restart
// guarantees all fall out of this one query).
type PGBroker struct {
	pool *pgxpool.Pool
}

var _ Broker = (*PGBroker)(nil)

const queueSchema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id BIGSERIAL PRIMARY KEY,
	queue_name TEXT NOT NULL,
	book_id TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	stage_inputs TEXT NOT NULL DEFAULT '{}',
	receipt TEXT UNIQUE,
	visible_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS queue_jobs_reserve_idx ON queue_jobs (queue_name, visible_at);
`

// OpenBroker connects a pgxpool.Pool to dsn and returns a ready PGBroker.
func OpenBroker(ctx context.Context, dsn string) (*PGBroker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("queue: connecting: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pipelineerrors.TransientErrorf("queue: ping: %v", err)
	}
	return &PGBroker{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (b *PGBroker) Close() {
	b.pool.Close()
}

// Ping reports whether the broker is reachable, for /health.
func (b *PGBroker) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return pipelineerrors.TransientErrorf("queue: ping: %v", err)
	}
	return nil
}

// Migrate creates the queue_jobs table if it doesn't exist.
func (b *PGBroker) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, queueSchema); err != nil {
		return pipelineerrors.FatalErrorf("queue: migrating schema: %v", err)
	}
	return nil
}

func (b *PGBroker) Enqueue(ctx context.Context, queueName string, job Job) error {
	inputs, err := json.Marshal(job.StageInputs)
	if err != nil {
		return pipelineerrors.ValidationErrorf("queue: marshaling stage inputs: %v", err)
	}

	_, err = b.pool.Exec(ctx,
		`INSERT INTO queue_jobs (queue_name, book_id, attempt_count, stage_inputs, visible_at)
		 VALUES ($1, $2, $3, $4, now())`,
		queueName, job.BookID, job.AttemptCount, string(inputs))
	if err != nil {
		return pipelineerrors.TransientErrorf("queue: enqueuing on %s: %v", queueName, err)
	}
	return nil
}

func (b *PGBroker) Reserve(ctx context.Context, queueName, consumerID string, leaseDuration time.Duration) (*Job, Receipt, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, "", pipelineerrors.TransientErrorf("queue: begin reserve: %v", err)
	}
	defer tx.Rollback(ctx)

	var (
		id           int64
		bookID       string
		attemptCount int
		inputsJSON   string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, book_id, attempt_count, stage_inputs
		 FROM queue_jobs
		 WHERE queue_name = $1 AND visible_at <= now()
		 ORDER BY visible_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		queueName).Scan(&id, &bookID, &attemptCount, &inputsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil // Empty
	}
	if err != nil {
		return nil, "", pipelineerrors.TransientErrorf("queue: reserving on %s: %v", queueName, err)
	}

	receipt := Receipt(randomid.GenerateUniqueID(32))
	_, err = tx.Exec(ctx,
		`UPDATE queue_jobs SET receipt = $1, visible_at = now() + $2::interval WHERE id = $3`,
		string(receipt), leaseDuration.String(), id)
	if err != nil {
		return nil, "", pipelineerrors.TransientErrorf("queue: leasing job %d: %v", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", pipelineerrors.TransientErrorf("queue: committing reserve: %v", err)
	}

	var inputs map[string]string
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return nil, "", pipelineerrors.IntegrityErrorf("queue: job %d has malformed stage_inputs: %v", id, err)
	}

	_ = consumerID // reserved for future lease-ownership auditing; not yet persisted
	return &Job{BookID: bookID, AttemptCount: attemptCount, StageInputs: inputs}, receipt, nil
}

func (b *PGBroker) Ack(ctx context.Context, receipt Receipt) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM queue_jobs WHERE receipt = $1`, string(receipt))
	if err != nil {
		return pipelineerrors.TransientErrorf("queue: ack: %v", err)
	}
	return nil
}

func (b *PGBroker) Nack(ctx context.Context, receipt Receipt, requeueDelay time.Duration) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE queue_jobs
		 SET attempt_count = attempt_count + 1,
		     receipt = NULL,
		     visible_at = now() + $1::interval
		 WHERE receipt = $2`,
		requeueDelay.String(), string(receipt))
	if err != nil {
		return pipelineerrors.TransientErrorf("queue: nack: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return pipelineerrors.StaleTransitionf("queue: nack: receipt %s no longer held (lease likely already expired)", receipt)
	}
	return nil
}
