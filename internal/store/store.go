// Package store defines the Metadata Store contract: the durable record of
// books, chunks, and users, and the single source of truth for job state.
//
// Two implementations exist: Postgres-backed (pgstore.go/PGStore, via
// github.com/jackc/pgx/v5) for production, and an in-memory FakeStore
// (fake.go) for unit tests of collaborators that don't need a real
// database.
package store

import (
	"context"
	"time"
)

// State is a Book's position in the pipeline state machine (spec §4.5).
type State string

const (
	StatePending      State = "pending"
	StateExtracting   State = "extracting"
	StateSegmenting   State = "segmenting"
	StateSynthesizing State = "synthesizing"
	StatePackaging    State = "packaging"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Format is an accepted upload document format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatEPUB Format = "epub"
	FormatTXT  Format = "txt"
)

// Book is a user-submitted document being processed into audio (spec §3.1).
type Book struct {
	ID              string
	OwnerID         string
	Title           string
	Format          Format
	State           State
	PercentComplete int
	TotalChunks     *int
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Chunk is one short, fixed-duration audio segment of a completed Book.
type Chunk struct {
	BookID    string
	Seq       int
	DurationS float64
	ByteSize  int64
	BlobPath  string
}

// Page bounds a ListBooksForOwner call.
type Page struct {
	Limit  int
	Offset int
}

// Store is the Metadata Store contract (spec §4.1).
//
// All methods return an error from internal/pipelineerrors:
// AuthError/KindAuth-wrapped NotFound for an unknown book, StaleTransition
// from UpdateBookState's optimistic-concurrency guard, FatalError from a
// conflicting SetTotalChunks, and TransientError for retryable
// infrastructure failures. Implementations must never silently coerce one kind into
// another.
type Store interface {
	// CreateBook atomically inserts a new book row in StatePending and
	// returns its generated id.
	CreateBook(ctx context.Context, ownerID, title string, format Format) (string, error)

	// GetBook returns a book by id, or a KindAuth error if it doesn't exist
	// (NotFound and "not yours" are indistinguishable by design, spec §7).
	GetBook(ctx context.Context, bookID string) (*Book, error)

	// ListBooksForOwner lists an owner's books, newest first.
	ListBooksForOwner(ctx context.Context, ownerID string, page Page) ([]*Book, error)

	// ListPendingBooks lists up to limit books in StatePending across all
	// owners, oldest first, for the boot-time reconciliation sweep
	// (spec §4.6) to find books whose extract job was never enqueued. It
	// is the StatePending case of ListBooksByState.
	ListPendingBooks(ctx context.Context, limit int) ([]*Book, error)

	// ListBooksByState lists up to limit books in the given state across
	// all owners, oldest first. Used by the blob integrity sweep to find
	// every StateCompleted book to audit.
	ListBooksByState(ctx context.Context, state State, limit int) ([]*Book, error)

	// UpdateBookState applies the transition only if the book's current
	// state equals expectedState (optimistic concurrency, spec §4.1/§4.5).
	// percent is optional (nil leaves percent_complete unchanged); errMsg
	// is stored as given, so a nil errMsg clears error_message.
	// Returns a KindStaleTransition error if expectedState didn't match,
	// or KindAuth if the book doesn't exist.
	UpdateBookState(ctx context.Context, bookID string, expectedState, newState State, percent *int, errMsg *string) error

	// SetTotalChunks sets total_chunks once. Idempotent if n matches the
	// existing value; returns a KindFatal error on mismatch.
	SetTotalChunks(ctx context.Context, bookID string, n int) error

	// UpsertChunk inserts or replaces a chunk row. Idempotent on
	// (bookID, seq): repeating the same arguments is a no-op.
	UpsertChunk(ctx context.Context, bookID string, seq int, durationS float64, byteSize int64, blobPath string) error

	// ListChunks lists a book's chunks ordered by seq ascending.
	ListChunks(ctx context.Context, bookID string) ([]*Chunk, error)

	// DeleteBook removes the book row and all its chunk rows in a single
	// transaction. Idempotent: deleting an unknown book is not an error.
	DeleteBook(ctx context.Context, bookID string) error
}
