package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
)

// Store is the persistence collaborator. Definition records carry only the
// identity, enable state and current version number; content lives on the
// versions.
type Store interface {
	GetDefinition(ctx context.Context, id string) (ToolDefinition, error)
	PutDefinition(ctx context.Context, def ToolDefinition) error
	ListDefinitions(ctx context.Context) ([]ToolDefinition, error)
	// Commit stores a new version and the definition pointing at it as one
	// unit: either both are written or neither is.
	Commit(ctx context.Context, v ToolVersion, def ToolDefinition) error
	ListVersions(ctx context.Context, id string) ([]ToolVersion, error)
}

// MemoryStore keeps records in process memory. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	defs     map[string]ToolDefinition
	versions map[string][]ToolVersion
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:     make(map[string]ToolDefinition),
		versions: make(map[string][]ToolVersion),
	}
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (ToolDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return ToolDefinition{}, ErrNotFound
	}
	return def.clone(), nil
}

func (m *MemoryStore) PutDefinition(_ context.Context, def ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def.clone()
	return nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]ToolDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolDefinition, 0, len(m.defs))
	for _, def := range m.defs {
		out = append(out, def.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, v ToolVersion, def ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.versions[v.Tool] {
		if have.Version == v.Version {
			return fmt.Errorf("Commit: %s@%d already stored", v.Tool, v.Version)
		}
	}
	m.versions[v.Tool] = append(m.versions[v.Tool], v.clone())
	m.defs[def.ID] = def.clone()
	return nil
}

func (m *MemoryStore) ListVersions(_ context.Context, id string) ([]ToolVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.versions[id]
	out := make([]ToolVersion, len(src))
	for i, v := range src {
		out[i] = v.clone()
	}
	return out, nil
}

// Dialect selects SQL placeholder style and driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

const createTables = `
CREATE TABLE IF NOT EXISTS tool_definitions (
	id              TEXT PRIMARY KEY,
	description     TEXT NOT NULL,
	enabled         BOOLEAN NOT NULL,
	current_version INTEGER NOT NULL,
	created_at_ms   BIGINT NOT NULL,
	updated_at_ms   BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_versions (
	tool_id       TEXT NOT NULL,
	version       INTEGER NOT NULL,
	schema_json   TEXT NOT NULL,
	policy_json   TEXT NOT NULL,
	exec_json     TEXT,
	reverted_from INTEGER NOT NULL DEFAULT 0,
	created_at_ms BIGINT NOT NULL,
	UNIQUE (tool_id, version)
);`

// SQLStore persists the catalog through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens dsn with the dialect's driver and creates the tables.
// For SQLite dsn is a file path.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLStore: %w", err)
	}
	if dialect == DialectSQLite {
		// one writer; avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("OpenSQLStore: ping: %w", err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(createTables, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}

// DB returns the underlying database.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string) (ToolDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, description, enabled, current_version, created_at_ms, updated_at_ms
		FROM tool_definitions
		WHERE id = ?
	`), id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ToolDefinition{}, ErrNotFound
	}
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("GetDefinition: %w", err)
	}
	return def, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) PutDefinition(ctx context.Context, def ToolDefinition) error {
	return s.putDefinition(ctx, s.db, def)
}

func (s *SQLStore) putDefinition(ctx context.Context, ex execer, def ToolDefinition) error {
	_, err := ex.ExecContext(ctx, s.rebind(`
		INSERT INTO tool_definitions (id, description, enabled, current_version, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			description = excluded.description,
			enabled = excluded.enabled,
			current_version = excluded.current_version,
			updated_at_ms = excluded.updated_at_ms
	`), def.ID, def.Description, def.Enabled, def.Version, def.CreatedAt.UnixMilli(), def.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("PutDefinition: %w", err)
	}
	return nil
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, enabled, current_version, created_at_ms, updated_at_ms
		FROM tool_definitions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("ListDefinitions: %w", err)
	}
	defer rows.Close()

	var out []ToolDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDefinitions: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// Commit writes v and def in one transaction.
func (s *SQLStore) Commit(ctx context.Context, v ToolVersion, def ToolDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Commit: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.putVersion(ctx, tx, v); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	if err := s.putDefinition(ctx, tx, def); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %s@%d: %w", v.Tool, v.Version, err)
	}
	return nil
}

func (s *SQLStore) putVersion(ctx context.Context, ex execer, v ToolVersion) error {
	schemaJSON, err := v.Schema.Canonical()
	if err != nil {
		return fmt.Errorf("version schema: %w", err)
	}
	policyJSON, err := json.Marshal(v.Policy)
	if err != nil {
		return fmt.Errorf("version policy: %w", err)
	}
	var execJSON sql.NullString
	if v.Exec != nil {
		b, err := json.Marshal(v.Exec)
		if err != nil {
			return fmt.Errorf("version exec: %w", err)
		}
		execJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = ex.ExecContext(ctx, s.rebind(`
		INSERT INTO tool_versions (tool_id, version, schema_json, policy_json, exec_json, reverted_from, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), v.Tool, v.Version, string(schemaJSON), string(policyJSON), execJSON, v.RevertedFrom, v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("version %s@%d: %w", v.Tool, v.Version, err)
	}
	return nil
}

func (s *SQLStore) ListVersions(ctx context.Context, id string) ([]ToolVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT tool_id, version, schema_json, policy_json, exec_json, reverted_from, created_at_ms
		FROM tool_versions
		WHERE tool_id = ?
		ORDER BY version
	`), id)
	if err != nil {
		return nil, fmt.Errorf("ListVersions: %w", err)
	}
	defer rows.Close()

	var out []ToolVersion
	for rows.Next() {
		var (
			v          ToolVersion
			schemaJSON string
			policyJSON string
			execJSON   sql.NullString
			createdMs  int64
		)
		if err := rows.Scan(&v.Tool, &v.Version, &schemaJSON, &policyJSON, &execJSON, &v.RevertedFrom, &createdMs); err != nil {
			return nil, fmt.Errorf("ListVersions: %w", err)
		}
		if v.Schema, err = schema.Parse([]byte(schemaJSON)); err != nil {
			return nil, fmt.Errorf("ListVersions: %s@%d: schema: %w", v.Tool, v.Version, err)
		}
		if err := json.Unmarshal([]byte(policyJSON), &v.Policy); err != nil {
			return nil, fmt.Errorf("ListVersions: %s@%d: policy: %w", v.Tool, v.Version, err)
		}
		if execJSON.Valid && execJSON.String != "" {
			v.Exec = &Exec{}
			if err := json.Unmarshal([]byte(execJSON.String), v.Exec); err != nil {
				return nil, fmt.Errorf("ListVersions: %s@%d: exec: %w", v.Tool, v.Version, err)
			}
		}
		v.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (ToolDefinition, error) {
	var (
		def       ToolDefinition
		createdMs int64
		updatedMs int64
	)
	if err := row.Scan(&def.ID, &def.Description, &def.Enabled, &def.Version, &createdMs, &updatedMs); err != nil {
		return ToolDefinition{}, err
	}
	def.CreatedAt = time.UnixMilli(createdMs).UTC()
	def.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return def, nil
}
