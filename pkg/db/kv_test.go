package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database := &DB{path: ":memory:"}
	var err error
	database.DB, err = openDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return database
}

var _ storage.Store = (*KVStore)(nil)

func TestKVStore_SetGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := NewKVStore(db)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "cache entry", key: "cache:example.com/a", value: `{"decision":"BLOCK"}`},
		{name: "version", key: "cacheVersion", value: `7`},
		{name: "unicode key", key: "cache:例え.jp/ページ", value: `{"decision":"ALLOW"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Set(ctx, map[string][]byte{tt.key: []byte(tt.value)}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := s.Get(ctx, tt.key)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got[tt.key]) != tt.value {
				t.Errorf("Get() = %q, want %q", got[tt.key], tt.value)
			}
		})
	}
}

func TestKVStore_Upsert(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := NewKVStore(db)

	_ = s.Set(ctx, map[string][]byte{"k": []byte(`1`)})
	if err := s.Set(ctx, map[string][]byte{"k": []byte(`2`)}); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 1 || string(all["k"]) != "2" {
		t.Errorf("GetAll() = %v, want k=2 only", all)
	}
}

func TestKVStore_RemoveAndBytes(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := NewKVStore(db)

	_ = s.Set(ctx, map[string][]byte{
		"a": []byte(`"aaaa"`),
		"b": []byte(`"bb"`),
	})

	used, err := s.BytesInUse(ctx)
	if err != nil {
		t.Fatalf("BytesInUse() error = %v", err)
	}
	if want := int64(1 + 6 + 1 + 4); used != want {
		t.Errorf("BytesInUse() = %d, want %d", used, want)
	}

	if err := s.Remove(ctx, "a", "missing"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, _ := s.Get(ctx, "a", "b")
	if _, ok := got["a"]; ok {
		t.Error("key a still present after Remove()")
	}
	if _, ok := got["b"]; !ok {
		t.Error("key b removed unexpectedly")
	}
}

func TestKVStore_EmptyArguments(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()
	s := NewKVStore(db)

	if got, err := s.Get(ctx); err != nil || len(got) != 0 {
		t.Errorf("Get() with no keys = %v, %v", got, err)
	}
	if err := s.Set(ctx, nil); err != nil {
		t.Errorf("Set(nil) error = %v", err)
	}
	if err := s.Remove(ctx); err != nil {
		t.Errorf("Remove() with no keys error = %v", err)
	}
	if used, err := s.BytesInUse(ctx); err != nil || used != 0 {
		t.Errorf("BytesInUse() on empty store = %d, %v", used, err)
	}
}

func TestOpen_CreatesSchemaOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s := NewKVStore(database)
	if err := s.Set(context.Background(), map[string][]byte{"paused": []byte("true")}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	database.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := NewKVStore(reopened).Get(context.Background(), "paused")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got["paused"]) != "true" {
		t.Errorf("value after reopen = %q, want true", got["paused"])
	}
	if reopened.Path() != path {
		t.Errorf("Path() = %q, want %q", reopened.Path(), path)
	}
}
