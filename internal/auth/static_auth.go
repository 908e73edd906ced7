package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAuthenticator accepts the single API key whose bcrypt hash it holds.
// Verified tokens are remembered so bcrypt runs once per key.
type HashAuthenticator struct {
	hash     []byte
	name     string
	verified sync.Map // token → *Principal
}

// NewHashAuthenticator creates an authenticator for one key hash.
func NewHashAuthenticator(hash, name string) (*HashAuthenticator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("NewHashAuthenticator: %w", err)
	}
	return &HashAuthenticator{hash: []byte(hash), name: name}, nil
}

func (a *HashAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := a.verified.Load(token); ok {
		return p.(*Principal), nil
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}
	p := &Principal{KeyID: KeyID(token), Name: a.name}
	a.verified.Store(token, p)
	return p, nil
}

// StaticAuthenticator is a development-only authenticator that accepts any trk_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Principal{KeyID: KeyID(token), Name: "static"}, nil
}
