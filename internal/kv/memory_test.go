package kv

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryGetPutDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Put(ctx, "alice", []byte("deny")); err != nil {
		t.Fatal(err)
	}
	v, err := m.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "deny" {
		t.Fatalf("expected deny, got %q", v)
	}
	if err := m.Delete(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "alice"); err != nil {
		t.Fatalf("expected delete of absent key to succeed, got %v", err)
	}
	if _, err := m.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryScanStopsOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	stop := errors.New("stop")
	var seen []string
	err := m.Scan(ctx, func(key string, _ []byte) error {
		seen = append(seen, key)
		if key == "b" {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected scan to stop after two keys, got %v", seen)
	}
}

func TestMemoryValuesAreCopied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	buf := []byte("approve")
	if err := m.Put(ctx, "bob", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'
	v, err := m.Get(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "approve" {
		t.Fatalf("expected stored copy to be unaffected, got %q", v)
	}
}
