package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByKeyID(ctx context.Context, keyID string) (*keyRow, error)
}

type keyRow struct {
	KeyID   string
	Name    string
	KeyHash string
	Revoked bool
}

const createKeysTable = `
CREATE TABLE IF NOT EXISTS api_keys (
	key_id     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	key_hash   TEXT NOT NULL,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByKeyID(ctx context.Context, keyID string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, name, key_hash, revoked
		FROM api_keys
		WHERE key_id = $1
	`, keyID)

	var r keyRow
	if err := row.Scan(&r.KeyID, &r.Name, &r.KeyHash, &r.Revoked); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates the api_keys table if needed and returns
// an authenticator over it.
func NewPostgresAuthenticator(ctx context.Context, cfg PostgresAuthConfig) (*PostgresAuthenticator, error) {
	if _, err := cfg.DB.ExecContext(ctx, createKeysTable); err != nil {
		return nil, fmt.Errorf("NewPostgresAuthenticator: %w", err)
	}
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger), nil
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Principal, nil
	}

	// Cache miss: authenticate synchronously. Failures are never cached
	// and never degrade to access.
	principal, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, principal)
	return principal, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	row, err := a.store.LookupByKeyID(ctx, KeyID(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &Principal{KeyID: row.KeyID, Name: row.Name}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		// revoked or rotated since it was cached
		a.cache.Delete(token)
		a.logger.Info("cached api key no longer valid", zap.String("key_id", KeyID(token)))
		return
	}
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Release(token)
		return
	}
	a.cache.Set(token, principal)
}
