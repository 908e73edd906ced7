package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// TokenPrefix marks tool runner API keys.
const TokenPrefix = "trk_"

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Principal identifies an authenticated API key.
type Principal struct {
	KeyID string
	Name  string
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a trk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, TokenPrefix) || len(token) < keyIDLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// keyIDLen is the length of the public token prefix used as key id.
const keyIDLen = 12

// KeyID returns the public part of a token.
func KeyID(token string) string {
	if len(token) < keyIDLen {
		return token
	}
	return token[:keyIDLen]
}

// GenerateToken returns a new random API key and its bcrypt hash.
func GenerateToken() (token, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("GenerateToken: %w", err)
	}
	token = TokenPrefix + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("GenerateToken: %w", err)
	}
	return token, string(h), nil
}
