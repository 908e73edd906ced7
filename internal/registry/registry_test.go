package registry

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_runner/internal/permission"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
)

func echoSpec() VersionSpec {
	return VersionSpec{
		Schema: &schema.Schema{Fields: map[string]*schema.Field{
			"text": {Kind: schema.KindString, Required: true},
		}},
		Policy: permission.Policy{Mode: permission.ModeAutoAllow},
	}
}

func widerSpec() VersionSpec {
	return VersionSpec{
		Schema: &schema.Schema{Fields: map[string]*schema.Field{
			"text":  {Kind: schema.KindString, Required: true},
			"times": {Kind: schema.KindInteger},
		}},
		Policy: permission.Policy{
			Mode:         permission.ModeAskOnce,
			Capabilities: []permission.Capability{permission.CapFilesystemRead},
		},
		Exec: &Exec{Path: "/bin/cat"},
	}
}

func newTestRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(Config{Store: store, Logger: logger})
}

// failingStore rejects writes after the first n.
type failingStore struct {
	*MemoryStore
	mu     sync.Mutex
	allow  int
	writes int
}

var errStoreDown = errors.New("store down")

func (f *failingStore) tick() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes > f.allow {
		return errStoreDown
	}
	return nil
}

func (f *failingStore) Commit(ctx context.Context, v ToolVersion, def ToolDefinition) error {
	if err := f.tick(); err != nil {
		return err
	}
	return f.MemoryStore.Commit(ctx, v, def)
}

func (f *failingStore) PutDefinition(ctx context.Context, def ToolDefinition) error {
	if err := f.tick(); err != nil {
		return err
	}
	return f.MemoryStore.PutDefinition(ctx, def)
}

func TestRegistry_CreateAndLookup(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	def, err := reg.Create(ctx, "echo", "echoes text", echoSpec())
	if err != nil {
		t.Fatal(err)
	}
	if def.Version != 1 || !def.Enabled {
		t.Fatalf("unexpected definition: %+v", def)
	}

	got, err := reg.Lookup("echo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "echoes text" {
		t.Fatalf("expected description, got %q", got.Description)
	}

	if _, err := reg.Create(ctx, "echo", "again", echoSpec()); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := reg.Lookup("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_CreateRejectsMalformedSpec(t *testing.T) {
	reg := newTestRegistry(t, nil)
	bad := echoSpec()
	bad.Policy.Mode = "whenever"
	if _, err := reg.Create(context.Background(), "x", "", bad); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for unknown mode, got %v", err)
	}
	if _, err := reg.Create(context.Background(), "y", "", VersionSpec{Policy: permission.Policy{Mode: permission.ModeDeny}}); err == nil {
		t.Fatal("expected error for missing schema")
	}
}

func TestRegistry_LookupReturnsCopies(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if _, err := reg.Create(context.Background(), "echo", "", echoSpec()); err != nil {
		t.Fatal(err)
	}
	def, _ := reg.Lookup("echo")
	def.Schema.Fields["injected"] = &schema.Field{Kind: schema.KindString}
	def.Policy.Capabilities = append(def.Policy.Capabilities, permission.CapProcessExec)

	again, _ := reg.Lookup("echo")
	if _, ok := again.Schema.Fields["injected"]; ok {
		t.Fatal("registry schema mutated through returned copy")
	}
	if len(again.Policy.Capabilities) != 0 {
		t.Fatal("registry policy mutated through returned copy")
	}
}

func TestRegistry_VersionsStrictlyIncrease(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err != nil {
		t.Fatal(err)
	}

	v2, err := reg.CreateVersion(ctx, "echo", widerSpec())
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	def, _ := reg.Lookup("echo")
	if def.Version != 2 || def.Policy.Mode != permission.ModeAskOnce || def.Exec == nil {
		t.Fatalf("definition did not advance: %+v", def)
	}

	if _, err := reg.CreateVersion(ctx, "missing", echoSpec()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_RevertCopiesContent(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CreateVersion(ctx, "echo", widerSpec()); err != nil {
		t.Fatal(err)
	}

	v3, err := reg.Revert(ctx, "echo", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v3.Version != 3 || v3.RevertedFrom != 1 {
		t.Fatalf("unexpected revert result: version=%d reverted_from=%d", v3.Version, v3.RevertedFrom)
	}

	v1, err := reg.Version("echo", 1)
	if err != nil {
		t.Fatalf("original version must remain retrievable: %v", err)
	}
	a, _ := v1.Schema.Canonical()
	b, _ := v3.Schema.Canonical()
	if !bytes.Equal(a, b) {
		t.Fatalf("reverted schema differs:\n%s\n%s", a, b)
	}
	if v3.Policy.Mode != v1.Policy.Mode || len(v3.Policy.Capabilities) != len(v1.Policy.Capabilities) {
		t.Fatalf("reverted policy differs: %+v vs %+v", v3.Policy, v1.Policy)
	}

	history, _ := reg.Versions("echo")
	if len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(history))
	}

	if _, err := reg.Revert(ctx, "echo", 42); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestRegistry_ConcurrentCreateVersion(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	results := make([]int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := reg.CreateVersion(ctx, "echo", widerSpec())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v.Version
		}(i)
	}
	wg.Wait()

	sort.Ints(results)
	for i, n := range results {
		if n != i+2 {
			t.Fatalf("expected consecutive distinct versions starting at 2, got %v", results)
		}
	}
}

func TestRegistry_SetEnabledSoftDelete(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if _, err := reg.Create(ctx, id, "", echoSpec()); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.SetEnabled(ctx, "a", false); err != nil {
		t.Fatal(err)
	}

	all := reg.List(false)
	if len(all) != 2 || all[0].ID != "a" {
		t.Fatalf("expected sorted full list, got %+v", all)
	}
	enabled := reg.List(true)
	if len(enabled) != 1 || enabled[0].ID != "b" {
		t.Fatalf("expected only b enabled, got %+v", enabled)
	}

	if history, err := reg.Versions("a"); err != nil || len(history) != 1 {
		t.Fatalf("history must survive disable: %v %v", history, err)
	}
	if err := reg.SetEnabled(ctx, "zzz", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_StoreFailureDoesNotAdvance(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), allow: 1}
	reg := newTestRegistry(t, store)
	ctx := context.Background()
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.CreateVersion(ctx, "echo", widerSpec()); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	def, _ := reg.Lookup("echo")
	if def.Version != 1 {
		t.Fatalf("current version advanced despite failed write: %d", def.Version)
	}
	if history, _ := reg.Versions("echo"); len(history) != 1 {
		t.Fatalf("history grew despite failed write: %d", len(history))
	}
}

// flakyStore fails its next n commits.
type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Commit(ctx context.Context, v ToolVersion, def ToolDefinition) error {
	f.mu.Lock()
	failing := f.fails > 0
	if failing {
		f.fails--
	}
	f.mu.Unlock()
	if failing {
		return errStoreDown
	}
	return f.MemoryStore.Commit(ctx, v, def)
}

func TestRegistry_RetryAfterFailedCommit(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), fails: 1}
	reg := newTestRegistry(t, store)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "echo", "", echoSpec()); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := reg.Lookup("echo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed create left a tool behind: %v", err)
	}
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	store.mu.Lock()
	store.fails = 1
	store.mu.Unlock()
	if _, err := reg.CreateVersion(ctx, "echo", widerSpec()); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	v, err := reg.CreateVersion(ctx, "echo", widerSpec())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if v.Version != 2 {
		t.Fatalf("expected version 2 after retry, got %d", v.Version)
	}
	stored, _ := store.ListVersions(ctx, "echo")
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored versions, got %d", len(stored))
	}
}

func TestRegistry_BindCapturesCurrentVersion(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err != nil {
		t.Fatal(err)
	}
	_, bound, err := reg.Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CreateVersion(ctx, "echo", widerSpec()); err != nil {
		t.Fatal(err)
	}
	if bound.Version != 1 || bound.Policy.Mode != permission.ModeAutoAllow {
		t.Fatalf("bound version changed underneath: %+v", bound)
	}
}

func TestSQLStore_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tools.db")
	store, err := OpenSQLStore(ctx, DialectSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	reg := newTestRegistry(t, store)
	if _, err := reg.Create(ctx, "echo", "echoes text", echoSpec()); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CreateVersion(ctx, "echo", widerSpec()); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Revert(ctx, "echo", 1); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetEnabled(ctx, "echo", false); err != nil {
		t.Fatal(err)
	}

	reloaded := newTestRegistry(t, store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	def, err := reloaded.Lookup("echo")
	if err != nil {
		t.Fatal(err)
	}
	if def.Version != 3 || def.Enabled || def.Description != "echoes text" {
		t.Fatalf("unexpected reloaded definition: %+v", def)
	}

	v2, err := reloaded.Version("echo", 2)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Exec == nil || v2.Exec.Path != "/bin/cat" {
		t.Fatalf("exec binding lost: %+v", v2.Exec)
	}
	if !v2.Policy.Has(permission.CapFilesystemRead) {
		t.Fatal("policy capabilities lost")
	}
	v3, _ := reloaded.Version("echo", 3)
	if v3.RevertedFrom != 1 || v3.Exec != nil {
		t.Fatalf("unexpected v3: %+v", v3)
	}

	if _, err := store.GetDefinition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_DuplicateVersionRejected(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLStore(ctx, DialectSQLite, filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	v := ToolVersion{Tool: "echo", Version: 1, Schema: echoSpec().Schema, Policy: echoSpec().Policy}
	def := ToolDefinition{ID: "echo", Enabled: true, Version: 1}
	if err := store.Commit(ctx, v, def); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(ctx, v, def); err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestSQLStore_CommitRollsBackOnDefinitionFailure(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLStore(ctx, DialectSQLite, filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// fail the definition write exactly once
	if _, err := store.DB().ExecContext(ctx, `
		CREATE TRIGGER fail_definition BEFORE INSERT ON tool_definitions
		BEGIN SELECT RAISE(ABORT, 'definition write failed'); END
	`); err != nil {
		t.Fatal(err)
	}

	reg := newTestRegistry(t, store)
	if _, err := reg.Create(ctx, "echo", "", echoSpec()); err == nil {
		t.Fatal("expected create to fail")
	}
	if versions, _ := store.ListVersions(ctx, "echo"); len(versions) != 0 {
		t.Fatalf("version row survived a failed commit: %+v", versions)
	}

	if _, err := store.DB().ExecContext(ctx, `DROP TRIGGER fail_definition`); err != nil {
		t.Fatal(err)
	}
	def, err := reg.Create(ctx, "echo", "", echoSpec())
	if err != nil {
		t.Fatalf("retry after a failed definition write: %v", err)
	}
	if def.Version != 1 {
		t.Fatalf("unexpected version: %d", def.Version)
	}

	reloaded := newTestRegistry(t, store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Lookup("echo"); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite := NewSQLStore(nil, DialectSQLite)
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query must be unchanged: %s", got)
	}
}
