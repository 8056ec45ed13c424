package auth

import (
	"context"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// FakeResolver is an in-memory TokenResolver for tests.
type FakeResolver struct {
	Tokens map[string]string // token -> owner id

	// Calls counts how many times ResolveToken was invoked, so tests can
	// assert the Checker's cache actually avoided a lookup.
	Calls int
}

var _ TokenResolver = (*FakeResolver)(nil)

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{Tokens: make(map[string]string)}
}

func (f *FakeResolver) ResolveToken(_ context.Context, token string) (string, error) {
	f.Calls++
	ownerID, ok := f.Tokens[token]
	if !ok {
		return "", pipelineerrors.AuthErrorf("auth: unknown token")
	}
	return ownerID, nil
}
