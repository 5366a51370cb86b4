package mailbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const key = "Ana_Paula - 77 - 05-03-2025 - 1.200,00 - RX.jpg"

func TestPut_ReadRemove(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "fotos"))
	p, err := m.Put(context.Background(), key, []byte("jpeg"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if filepath.Base(p) != key {
		t.Fatalf("path = %s", p)
	}
	data, err := m.Read(key)
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if err := m.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Remove(key); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file still present: %v", err)
	}
}

func TestPut_ReplacesExisting(t *testing.T) {
	m := New(t.TempDir())
	ctx := context.Background()
	if _, err := m.Put(ctx, key, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Put(ctx, key, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, _ := m.Read(key)
	if string(data) != "second" {
		t.Fatalf("data = %q", data)
	}
	pending, _ := m.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestPut_RejectsPaths(t *testing.T) {
	m := New(t.TempDir())
	for _, k := range []string{"", "..", "../x.jpg", "a/b.jpg", `a\b.jpg`} {
		if _, err := m.Put(context.Background(), k, nil); !errors.Is(err, ErrBadKey) {
			t.Errorf("Put(%q) err = %v, want ErrBadKey", k, err)
		}
	}
}

func TestPending_FiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.JPG", "notes.txt", ".put-1.tmp", "c.webp", "d.jpeg.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	pending, err := New(dir).Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var got []string
	for _, a := range pending {
		got = append(got, a.Key)
	}
	want := []string{"a.JPG", "b.png", "c.webp"}
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pending = %v, want %v", got, want)
		}
	}
}

func TestPending_MissingDir(t *testing.T) {
	pending, err := New(filepath.Join(t.TempDir(), "nope")).Pending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("Pending = %v, %v", pending, err)
	}
}
