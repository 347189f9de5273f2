package auth

import (
	"context"
	"errors"

	"archboard/api/internal/collab"
)

// TokenProvider authenticates connections with signed access tokens.
type TokenProvider struct {
	secret []byte
}

func NewTokenProvider(secret []byte) *TokenProvider {
	return &TokenProvider{secret: secret}
}

func (p *TokenProvider) Authenticate(_ context.Context, token string) (collab.Identity, error) {
	claims, err := ParseToken(p.secret, token)
	if err != nil {
		return collab.Identity{}, err
	}
	return claims.Identity(), nil
}

// Chain tries each provider in order and returns the first identity found.
// When every provider fails, the error of the last one is returned.
type Chain []collab.IdentityProvider

func (c Chain) Authenticate(ctx context.Context, token string) (collab.Identity, error) {
	if token == "" {
		return collab.Identity{}, ErrInvalidToken
	}
	err := ErrInvalidToken
	for _, provider := range c {
		if provider == nil {
			continue
		}
		identity, providerErr := provider.Authenticate(ctx, token)
		if providerErr == nil {
			return identity, nil
		}
		if errors.Is(providerErr, context.Canceled) || errors.Is(providerErr, context.DeadlineExceeded) {
			return collab.Identity{}, providerErr
		}
		err = providerErr
	}
	return collab.Identity{}, err
}
