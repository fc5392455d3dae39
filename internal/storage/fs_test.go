package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/galaxy/internal/apperr"
)

func tempCache(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempCache(t)
	content := []byte("<html></html>")
	if err := s.Write("index.html", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("index.html")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteOverwritesByName(t *testing.T) {
	s := tempCache(t)
	_ = s.Write("app.js", []byte("v1"))
	if err := s.Write("app.js", []byte("v2")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("app.js")
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := tempCache(t)
	_, err := s.Read("nope.png")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := tempCache(t)
	_ = s.Write("del.txt", []byte("bye"))
	if err := s.Delete("del.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("del.txt") {
		t.Error("file should be gone")
	}
	if err := s.Delete("del.txt"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestListFlatAndSorted(t *testing.T) {
	s := tempCache(t)
	_ = s.Write("b.css", []byte("b"))
	_ = s.Write("a.js", []byte("a"))
	if err := os.Mkdir(filepath.Join(s.Root(), "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(s.Root(), "nested", "c.txt"), []byte("c"), 0o644)

	items, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].Name != "a.js" || items[1].Name != "b.css" {
		t.Errorf("order = %v", items)
	}
	if items[0].Checksum == "" || items[0].Size != 1 {
		t.Errorf("metadata not populated: %+v", items[0])
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempCache(t)
	for _, p := range []string{"../../etc/passwd", "../outside.txt", "/etc/shadow", ""} {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := tempCache(t)
	_ = s.Write("atomic.bin", []byte("original"))
	if err := s.Write("atomic.bin", []byte("updated")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestEnsureFSIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "galaxy", "assets")
	if _, err := EnsureFS(dir); err != nil {
		t.Fatalf("first EnsureFS: %v", err)
	}
	if _, err := EnsureFS(dir); err != nil {
		t.Fatalf("second EnsureFS must not fail: %v", err)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "galaxy-test-*")
	_ = f.Close()
	if _, err := NewFS(f.Name()); err == nil {
		t.Error("expected error when root is a file")
	}
}
