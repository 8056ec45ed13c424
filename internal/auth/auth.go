// Package auth resolves bearer session tokens to owner ids and checks
// per-book ownership (spec §4.8). Token issuance is an external
// collaborator's concern (spec §9 note 1); this package resolves tokens
// only through a TokenResolver and reads only book rows, for ownership
// checks.
package auth

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
	"github.com/epicrunze/evocable/internal/store"
)

// TokenResolver maps a bearer token to the owner id it was issued for.
// Callers supply their own implementation (e.g. PassthroughResolver, or a
// call to an external Auth collaborator).
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (ownerID string, err error)
}

type cacheEntry struct {
	ownerID string
	at      time.Time
}

// Checker resolves bearer tokens and enforces book ownership, caching
// successful resolutions for ttl to avoid a lookup per request. Grounded
// on the teacher's internal/observability.CaptureRateLimiter, which caches
// by the same hashicorp/golang-lru "bounded map + manual expiry check"
// idiom.
type Checker struct {
	resolver TokenResolver
	books    store.Store
	cache    *lru.Cache
	ttl      time.Duration
}

// NewChecker returns a Checker backed by resolver for token lookups and
// books for ownership checks, caching up to cacheSize resolved tokens for
// ttl.
func NewChecker(resolver TokenResolver, books store.Store, cacheSize int, ttl time.Duration) (*Checker, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, pipelineerrors.FatalErrorf("auth: creating token cache: %v", err)
	}
	return &Checker{resolver: resolver, books: books, cache: cache, ttl: ttl}, nil
}

// Authenticate resolves token to an owner id, using the cache when fresh.
func (c *Checker) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", pipelineerrors.AuthErrorf("auth: missing bearer token")
	}

	if v, ok := c.cache.Get(token); ok {
		entry := v.(cacheEntry)
		if time.Since(entry.at) < c.ttl {
			return entry.ownerID, nil
		}
		c.cache.Remove(token)
	}

	ownerID, err := c.resolver.ResolveToken(ctx, token)
	if err != nil {
		return "", pipelineerrors.Enrichf(err, "auth: resolving bearer token").As(pipelineerrors.KindAuth)
	}

	c.cache.Add(token, cacheEntry{ownerID: ownerID, at: time.Now()})
	return ownerID, nil
}

// AuthorizeBook loads bookID and checks that ownerID owns it. It returns
// the book on success, or an AuthError (never a distinct "forbidden" kind)
// both when the book doesn't exist and when it belongs to someone else —
// spec §4.8's "NotFound, not Forbidden, to avoid existence leaks".
func (c *Checker) AuthorizeBook(ctx context.Context, ownerID, bookID string) (*store.Book, error) {
	book, err := c.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err // GetBook already returns AuthError on not-found.
	}
	if book.OwnerID != ownerID {
		return nil, pipelineerrors.AuthErrorf("auth: book %s is not owned by caller", bookID)
	}
	return book, nil
}

// Invalidate evicts token from the cache, e.g. after a resolver reports it
// revoked.
func (c *Checker) Invalidate(token string) {
	c.cache.Remove(token)
}
