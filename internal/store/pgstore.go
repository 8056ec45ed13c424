package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// PGStore is the Postgres-backed Metadata Store (spec §4.1, §6.5: tables
// books, chunks, users; indexes on books.owner_id and chunks(book_id, seq)).
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// Open connects a pgxpool.Pool to dsn and returns a ready PGStore.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("store: connecting: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pipelineerrors.TransientErrorf("store: ping: %v", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Ping reports whether the store is reachable, for /health.
func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return pipelineerrors.TransientErrorf("store: ping: %v", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS books (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	format TEXT NOT NULL,
	state TEXT NOT NULL,
	percent_complete INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS books_owner_id_idx ON books (owner_id);

CREATE TABLE IF NOT EXISTS chunks (
	book_id TEXT NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	duration_s DOUBLE PRECISION NOT NULL,
	byte_size BIGINT NOT NULL,
	blob_path TEXT NOT NULL,
	PRIMARY KEY (book_id, seq)
);
CREATE INDEX IF NOT EXISTS chunks_book_id_seq_idx ON chunks (book_id, seq);
`

// Migrate creates the books/chunks/users tables if they don't exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return pipelineerrors.FatalErrorf("store: migrating schema: %v", err)
	}
	return nil
}

func (s *PGStore) CreateBook(ctx context.Context, ownerID, title string, format Format) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		ownerID)
	if err != nil {
		return "", pipelineerrors.TransientErrorf("store: ensuring user row: %v", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO books (id, owner_id, title, format, state, percent_complete, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $6)`,
		id, ownerID, title, string(format), string(StatePending), now)
	if err != nil {
		return "", pipelineerrors.TransientErrorf("store: inserting book: %v", err)
	}

	return id, nil
}

func (s *PGStore) GetBook(ctx context.Context, bookID string) (*Book, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, format, state, percent_complete, total_chunks, error_message, created_at, updated_at
		 FROM books WHERE id = $1`,
		bookID)

	b, err := scanBook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipelineerrors.AuthErrorf("store: book %s not found", bookID)
	}
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("store: getting book %s: %v", bookID, err)
	}
	return b, nil
}

func (s *PGStore) ListBooksForOwner(ctx context.Context, ownerID string, page Page) ([]*Book, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, title, format, state, percent_complete, total_chunks, error_message, created_at, updated_at
		 FROM books WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, page.Offset)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("store: listing books for %s: %v", ownerID, err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, pipelineerrors.TransientErrorf("store: scanning book row: %v", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.TransientErrorf("store: listing books for %s: %v", ownerID, err)
	}
	return books, nil
}

func (s *PGStore) ListPendingBooks(ctx context.Context, limit int) ([]*Book, error) {
	return s.ListBooksByState(ctx, StatePending, limit)
}

// ListBooksByState lists up to limit books in the given state, oldest
// first. ListPendingBooks is the StatePending case the boot-time
// reconciliation sweep uses; the general form also backs the blob
// integrity sweep's scan of every StateCompleted book.
func (s *PGStore) ListBooksByState(ctx context.Context, state State, limit int) ([]*Book, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, title, format, state, percent_complete, total_chunks, error_message, created_at, updated_at
		 FROM books WHERE state = $1 ORDER BY created_at ASC LIMIT $2`,
		string(state), limit)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("store: listing %s books: %v", state, err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, pipelineerrors.TransientErrorf("store: scanning %s book row: %v", state, err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.TransientErrorf("store: listing %s books: %v", state, err)
	}
	return books, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	b := &Book{}
	var format, state string
	err := row.Scan(&b.ID, &b.OwnerID, &b.Title, &format, &state,
		&b.PercentComplete, &b.TotalChunks, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Format = Format(format)
	b.State = State(state)
	return b, nil
}

func (s *PGStore) UpdateBookState(ctx context.Context, bookID string, expectedState, newState State, percent *int, errMsg *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE books
		 SET state = $1,
		     percent_complete = COALESCE($2, percent_complete),
		     error_message = $3,
		     updated_at = $4
		 WHERE id = $5 AND state = $6`,
		string(newState), percent, errMsg, time.Now().UTC(), bookID, string(expectedState))
	if err != nil {
		return pipelineerrors.TransientErrorf("store: updating book %s state: %v", bookID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Either the book doesn't exist, or its state no longer matched
	// expectedState. Distinguish so callers (and §8.1 invariant 6) get the
	// right kind.
	if _, err := s.GetBook(ctx, bookID); err != nil {
		return err
	}
	return pipelineerrors.StaleTransitionf(
		"store: book %s: expected state %s, UpdateBookState rejected", bookID, expectedState)
}

func (s *PGStore) SetTotalChunks(ctx context.Context, bookID string, n int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pipelineerrors.TransientErrorf("store: begin SetTotalChunks: %v", err)
	}
	defer tx.Rollback(ctx)

	var existing *int
	err = tx.QueryRow(ctx, `SELECT total_chunks FROM books WHERE id = $1 FOR UPDATE`, bookID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipelineerrors.AuthErrorf("store: book %s not found", bookID)
	}
	if err != nil {
		return pipelineerrors.TransientErrorf("store: reading total_chunks for %s: %v", bookID, err)
	}

	if existing != nil && *existing != n {
		return pipelineerrors.FatalErrorf(
			"store: book %s total_chunks already set to %d, cannot change to %d", bookID, *existing, n)
	}
	if existing != nil && *existing == n {
		return nil // idempotent no-op
	}

	if _, err := tx.Exec(ctx, `UPDATE books SET total_chunks = $1, updated_at = $2 WHERE id = $3`,
		n, time.Now().UTC(), bookID); err != nil {
		return pipelineerrors.TransientErrorf("store: setting total_chunks for %s: %v", bookID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pipelineerrors.TransientErrorf("store: committing SetTotalChunks: %v", err)
	}
	return nil
}

func (s *PGStore) UpsertChunk(ctx context.Context, bookID string, seq int, durationS float64, byteSize int64, blobPath string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chunks (book_id, seq, duration_s, byte_size, blob_path)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (book_id, seq) DO UPDATE
		   SET duration_s = EXCLUDED.duration_s,
		       byte_size = EXCLUDED.byte_size,
		       blob_path = EXCLUDED.blob_path`,
		bookID, seq, durationS, byteSize, blobPath)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return pipelineerrors.AuthErrorf("store: book %s not found", bookID)
		}
		return pipelineerrors.TransientErrorf("store: upserting chunk (%s, %d): %v", bookID, seq, err)
	}
	return nil
}

func (s *PGStore) ListChunks(ctx context.Context, bookID string) ([]*Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT book_id, seq, duration_s, byte_size, blob_path FROM chunks WHERE book_id = $1 ORDER BY seq ASC`,
		bookID)
	if err != nil {
		return nil, pipelineerrors.TransientErrorf("store: listing chunks for %s: %v", bookID, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c := &Chunk{}
		if err := rows.Scan(&c.BookID, &c.Seq, &c.DurationS, &c.ByteSize, &c.BlobPath); err != nil {
			return nil, pipelineerrors.TransientErrorf("store: scanning chunk row: %v", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.TransientErrorf("store: listing chunks for %s: %v", bookID, err)
	}
	return chunks, nil
}

func (s *PGStore) DeleteBook(ctx context.Context, bookID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pipelineerrors.TransientErrorf("store: begin DeleteBook: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE book_id = $1`, bookID); err != nil {
		return pipelineerrors.TransientErrorf("store: deleting chunks for %s: %v", bookID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM books WHERE id = $1`, bookID); err != nil {
		return pipelineerrors.TransientErrorf("store: deleting book %s: %v", bookID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pipelineerrors.TransientErrorf("store: committing DeleteBook: %v", err)
	}
	return nil
}
