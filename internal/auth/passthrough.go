package auth

import (
	"context"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// PassthroughResolver treats the bearer token itself as the owner id it
// names. Token issuance is an external collaborator's concern (spec §9
// note 1): this is the minimal resolver for a deployment that sits behind
// a trusted proxy which has already authenticated the caller and mints
// one stable opaque token per owner, needing no further infrastructure in
// this module beyond that proxy. A deployment with its own identity
// provider swaps this for a TokenResolver that calls out to it; Checker
// doesn't care which.
type PassthroughResolver struct{}

var _ TokenResolver = PassthroughResolver{}

func (PassthroughResolver) ResolveToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", pipelineerrors.AuthErrorf("auth: empty bearer token")
	}
	return token, nil
}
