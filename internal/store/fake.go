package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// FakeStore is an in-memory Store for unit tests of collaborators that
// don't need a real Postgres instance. It implements the same optimistic-
// concurrency and idempotence guarantees as PGStore.
type FakeStore struct {
	mu     sync.Mutex
	books  map[string]*Book
	chunks map[string]map[int]*Chunk
}

var _ Store = (*FakeStore)(nil)

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		books:  make(map[string]*Book),
		chunks: make(map[string]map[int]*Chunk),
	}
}

func (s *FakeStore) CreateBook(_ context.Context, ownerID, title string, format Format) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()
	s.books[id] = &Book{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Format:    format,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chunks[id] = make(map[int]*Chunk)
	return id, nil
}

func (s *FakeStore) GetBook(_ context.Context, bookID string) (*Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[bookID]
	if !ok {
		return nil, pipelineerrors.AuthErrorf("store: book %s not found", bookID)
	}
	cp := *b
	return &cp, nil
}

func (s *FakeStore) ListBooksForOwner(_ context.Context, ownerID string, page Page) ([]*Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []*Book
	for _, b := range s.books {
		if b.OwnerID == ownerID {
			cp := *b
			owned = append(owned, &cp)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := page.Offset
	if offset >= len(owned) {
		return nil, nil
	}
	end := offset + limit
	if end > len(owned) {
		end = len(owned)
	}
	return owned[offset:end], nil
}

func (s *FakeStore) ListPendingBooks(ctx context.Context, limit int) ([]*Book, error) {
	return s.ListBooksByState(ctx, StatePending, limit)
}

func (s *FakeStore) ListBooksByState(_ context.Context, state State, limit int) ([]*Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Book
	for _, b := range s.books {
		if b.State == state {
			cp := *b
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *FakeStore) UpdateBookState(_ context.Context, bookID string, expectedState, newState State, percent *int, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[bookID]
	if !ok {
		return pipelineerrors.AuthErrorf("store: book %s not found", bookID)
	}
	if b.State != expectedState {
		return pipelineerrors.StaleTransitionf(
			"store: book %s: expected state %s, got %s", bookID, expectedState, b.State)
	}

	b.State = newState
	if percent != nil {
		b.PercentComplete = *percent
	}
	b.ErrorMessage = errMsg
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FakeStore) SetTotalChunks(_ context.Context, bookID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[bookID]
	if !ok {
		return pipelineerrors.AuthErrorf("store: book %s not found", bookID)
	}
	if b.TotalChunks != nil {
		if *b.TotalChunks != n {
			return pipelineerrors.FatalErrorf(
				"store: book %s total_chunks already set to %d, cannot change to %d", bookID, *b.TotalChunks, n)
		}
		return nil
	}
	b.TotalChunks = &n
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FakeStore) UpsertChunk(_ context.Context, bookID string, seq int, durationS float64, byteSize int64, blobPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[bookID]; !ok {
		return pipelineerrors.AuthErrorf("store: book %s not found", bookID)
	}
	s.chunks[bookID][seq] = &Chunk{
		BookID:    bookID,
		Seq:       seq,
		DurationS: durationS,
		ByteSize:  byteSize,
		BlobPath:  blobPath,
	}
	return nil
}

func (s *FakeStore) ListChunks(_ context.Context, bookID string) ([]*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byBook := s.chunks[bookID]
	chunks := make([]*Chunk, 0, len(byBook))
	for _, c := range byBook {
		cp := *c
		chunks = append(chunks, &cp)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	return chunks, nil
}

func (s *FakeStore) DeleteBook(_ context.Context, bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.books, bookID)
	delete(s.chunks, bookID)
	return nil
}
