// Package registry owns the tool catalog, its enable state and the
// append-only version history of every tool.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ToolRegistry is the read side the dispatcher depends on.
type ToolRegistry interface {
	// Lookup returns the current definition, ErrNotFound if unknown.
	Lookup(id string) (ToolDefinition, error)
	// Bind returns the current definition together with its current version,
	// read atomically.
	Bind(id string) (ToolDefinition, ToolVersion, error)
	// List returns definitions sorted by id.
	List(enabledOnly bool) []ToolDefinition
}

type toolEntry struct {
	def      ToolDefinition
	versions []ToolVersion // ascending by Version
}

// Registry is the in-memory authority for the catalog. Every mutation is
// written through to the Store before it becomes visible.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*toolEntry

	locks  keyedMutex
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Config configures a Registry.
type Config struct {
	Store  Store
	Logger *zap.Logger
}

// New creates an empty Registry. Call Load to populate it from the store.
func New(cfg Config) *Registry {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*toolEntry),
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory catalog with the store's contents.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("Load: %w", err)
	}

	tools := make(map[string]*toolEntry, len(defs))
	for _, def := range defs {
		versions, err := r.store.ListVersions(ctx, def.ID)
		if err != nil {
			return fmt.Errorf("Load: versions of %s: %w", def.ID, err)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

		current, ok := findVersion(versions, def.Version)
		if !ok {
			return fmt.Errorf("Load: %s: current version %d: %w", def.ID, def.Version, ErrVersionNotFound)
		}
		def.Schema = current.Schema
		def.Policy = current.Policy
		def.Exec = current.Exec
		tools[def.ID] = &toolEntry{def: def, versions: versions}
	}

	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()

	r.logger.Info("tool registry loaded", zap.Int("tools", len(tools)))
	return nil
}

// Create registers a new tool at version 1, enabled.
func (r *Registry) Create(ctx context.Context, id, description string, spec VersionSpec) (ToolDefinition, error) {
	if id == "" {
		return ToolDefinition{}, fmt.Errorf("Create: empty tool id: %w", ErrInvalidSpec)
	}
	if err := spec.validate(); err != nil {
		return ToolDefinition{}, fmt.Errorf("Create: %s: %w: %w", id, ErrInvalidSpec, err)
	}

	unlock := r.locks.lock(id)
	defer unlock()

	if _, ok := r.entry(id); ok {
		return ToolDefinition{}, fmt.Errorf("Create: %s: %w", id, ErrExists)
	}

	now := r.now()
	v := ToolVersion{
		Tool:      id,
		Version:   1,
		Schema:    spec.Schema.Clone(),
		Policy:    spec.Policy.Clone(),
		Exec:      spec.Exec.Clone(),
		CreatedAt: now,
	}
	def := ToolDefinition{
		ID:          id,
		Description: description,
		Schema:      v.Schema,
		Enabled:     true,
		Policy:      v.Policy,
		Exec:        v.Exec,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.Commit(ctx, v, def); err != nil {
		return ToolDefinition{}, fmt.Errorf("Create: %s: %w", id, err)
	}

	r.mu.Lock()
	r.tools[id] = &toolEntry{def: def, versions: []ToolVersion{v}}
	r.mu.Unlock()

	r.logger.Info("tool created", zap.String("tool_id", id))
	return def.clone(), nil
}

// Lookup returns the current definition of id, including disabled tools.
func (r *Registry) Lookup(id string) (ToolDefinition, error) {
	e, ok := r.entry(id)
	if !ok {
		return ToolDefinition{}, fmt.Errorf("Lookup: %s: %w", id, ErrNotFound)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.def.clone(), nil
}

// Bind returns the current definition and version of id in one read.
func (r *Registry) Bind(id string) (ToolDefinition, ToolVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return ToolDefinition{}, ToolVersion{}, fmt.Errorf("Bind: %s: %w", id, ErrNotFound)
	}
	v, ok := findVersion(e.versions, e.def.Version)
	if !ok {
		return ToolDefinition{}, ToolVersion{}, fmt.Errorf("Bind: %s: %w", id, ErrVersionNotFound)
	}
	return e.def.clone(), v.clone(), nil
}

// List returns all definitions sorted by id, optionally only enabled ones.
func (r *Registry) List(enabledOnly bool) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		if enabledOnly && !e.def.Enabled {
			continue
		}
		out = append(out, e.def.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateVersion appends a new version of id and makes it current.
func (r *Registry) CreateVersion(ctx context.Context, id string, spec VersionSpec) (ToolVersion, error) {
	if err := spec.validate(); err != nil {
		return ToolVersion{}, fmt.Errorf("CreateVersion: %s: %w: %w", id, ErrInvalidSpec, err)
	}

	unlock := r.locks.lock(id)
	defer unlock()

	v, err := r.appendVersion(ctx, id, spec, 0)
	if err != nil {
		return ToolVersion{}, fmt.Errorf("CreateVersion: %w", err)
	}
	r.logger.Info("tool version created",
		zap.String("tool_id", id),
		zap.Int("version", v.Version),
	)
	return v, nil
}

// Revert appends a new version whose content is a copy of target.
// The target version itself is left untouched.
func (r *Registry) Revert(ctx context.Context, id string, target int) (ToolVersion, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	old, err := r.Version(id, target)
	if err != nil {
		return ToolVersion{}, fmt.Errorf("Revert: %w", err)
	}

	spec := VersionSpec{Schema: old.Schema, Policy: old.Policy, Exec: old.Exec}
	v, err := r.appendVersion(ctx, id, spec, target)
	if err != nil {
		return ToolVersion{}, fmt.Errorf("Revert: %w", err)
	}
	r.logger.Info("tool reverted",
		zap.String("tool_id", id),
		zap.Int("target", target),
		zap.Int("version", v.Version),
	)
	return v, nil
}

// appendVersion must be called with id's lock held.
func (r *Registry) appendVersion(ctx context.Context, id string, spec VersionSpec, revertedFrom int) (ToolVersion, error) {
	e, ok := r.entry(id)
	if !ok {
		return ToolVersion{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	r.mu.RLock()
	def := e.def
	next := e.versions[len(e.versions)-1].Version + 1
	r.mu.RUnlock()

	now := r.now()
	v := ToolVersion{
		Tool:         id,
		Version:      next,
		Schema:       spec.Schema.Clone(),
		Policy:       spec.Policy.Clone(),
		Exec:         spec.Exec.Clone(),
		CreatedAt:    now,
		RevertedFrom: revertedFrom,
	}
	def.Schema = v.Schema
	def.Policy = v.Policy
	def.Exec = v.Exec
	def.Version = next
	def.UpdatedAt = now

	if err := r.store.Commit(ctx, v, def); err != nil {
		return ToolVersion{}, fmt.Errorf("%s: %w", id, err)
	}

	r.mu.Lock()
	e.versions = append(e.versions, v)
	e.def = def
	r.mu.Unlock()

	return v.clone(), nil
}

// SetEnabled toggles a tool. Disabling is the only form of deletion.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	unlock := r.locks.lock(id)
	defer unlock()

	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("SetEnabled: %s: %w", id, ErrNotFound)
	}

	r.mu.RLock()
	def := e.def
	r.mu.RUnlock()
	if def.Enabled == enabled {
		return nil
	}
	def.Enabled = enabled
	def.UpdatedAt = r.now()

	if err := r.store.PutDefinition(ctx, def); err != nil {
		return fmt.Errorf("SetEnabled: %s: %w", id, err)
	}

	r.mu.Lock()
	e.def = def
	r.mu.Unlock()

	r.logger.Info("tool enable state changed",
		zap.String("tool_id", id),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// Versions returns the full history of id, oldest first.
func (r *Registry) Versions(id string) ([]ToolVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("Versions: %s: %w", id, ErrNotFound)
	}
	out := make([]ToolVersion, len(e.versions))
	for i, v := range e.versions {
		out[i] = v.clone()
	}
	return out, nil
}

// Version returns version n of id.
func (r *Registry) Version(id string, n int) (ToolVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return ToolVersion{}, fmt.Errorf("Version: %s: %w", id, ErrNotFound)
	}
	v, ok := findVersion(e.versions, n)
	if !ok {
		return ToolVersion{}, fmt.Errorf("Version: %s@%d: %w", id, n, ErrVersionNotFound)
	}
	return v.clone(), nil
}

func (r *Registry) entry(id string) (*toolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	return e, ok
}

func findVersion(versions []ToolVersion, n int) (ToolVersion, bool) {
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= n })
	if i < len(versions) && versions[i].Version == n {
		return versions[i], true
	}
	return ToolVersion{}, false
}

// keyedMutex serializes writers per tool id without blocking other tools.
type keyedMutex struct {
	locks sync.Map // map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
