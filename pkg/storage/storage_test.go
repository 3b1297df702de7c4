package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, map[string][]byte{"a": []byte(`1`), "b": []byte(`"two"`)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := m.Get(ctx, "a", "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 1 || string(got["a"]) != "1" {
		t.Errorf("Get() = %v, want only a=1", got)
	}

	if err := m.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	all, err := m.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if keys := Keys(all); len(keys) != 1 || keys[0] != "b" {
		t.Errorf("GetAll() keys = %v, want [b]", keys)
	}

	used, err := m.BytesInUse(ctx)
	if err != nil {
		t.Fatalf("BytesInUse() error = %v", err)
	}
	if used != int64(len("b")+len(`"two"`)) {
		t.Errorf("BytesInUse() = %d, want %d", used, len("b")+len(`"two"`))
	}
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v := []byte(`"original"`)
	_ = m.Set(ctx, map[string][]byte{"k": v})
	v[1] = 'X'

	got, _ := m.Get(ctx, "k")
	if string(got["k"]) != `"original"` {
		t.Errorf("stored value mutated through caller slice: %s", got["k"])
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := SetJSON(ctx, m, "p", payload{Name: "x", Count: 3}); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var got payload
	found, err := GetJSON(ctx, m, "p", &got)
	if err != nil || !found {
		t.Fatalf("GetJSON() found = %v, err = %v", found, err)
	}
	if got.Name != "x" || got.Count != 3 {
		t.Errorf("GetJSON() = %+v", got)
	}

	found, err = GetJSON(ctx, m, "absent", &got)
	if err != nil || found {
		t.Errorf("GetJSON(absent) found = %v, err = %v", found, err)
	}

	if err := m.Set(ctx, map[string][]byte{"bad": []byte("{not json")}); err != nil {
		t.Fatal(err)
	}
	if _, err := GetJSON(ctx, m, "bad", &got); !errors.Is(err, ErrCorrupt) {
		t.Errorf("GetJSON(bad) error = %v, want ErrCorrupt", err)
	}
}

func TestLimited_RejectsOverQuota(t *testing.T) {
	ctx := context.Background()
	l := NewLimited(NewMemory(), 20)

	if err := l.Set(ctx, map[string][]byte{"k1": []byte("0123456789")}); err != nil {
		t.Fatalf("first Set() error = %v", err)
	}

	err := l.Set(ctx, map[string][]byte{"k2": []byte("0123456789")})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second Set() error = %v, want ErrQuotaExceeded", err)
	}

	// Overwriting an existing key only counts the difference.
	if err := l.Set(ctx, map[string][]byte{"k1": []byte("abcdefghijklmnop")}); err != nil {
		t.Errorf("overwrite Set() error = %v", err)
	}
}

func TestLimited_ZeroQuotaDisablesCheck(t *testing.T) {
	ctx := context.Background()
	l := NewLimited(NewMemory(), 0)

	big := make([]byte, 1<<16)
	if err := l.Set(ctx, map[string][]byte{"big": big}); err != nil {
		t.Errorf("Set() error = %v, want nil with quota disabled", err)
	}
}
