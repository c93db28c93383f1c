package fileutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestMkdirPrivate(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "home", "tokens")

	if err := MkdirPrivate(dir); err != nil {
		t.Fatalf("MkdirPrivate: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			t.Errorf("perm = %04o, want owner-only", perm)
		}
	}

	// Existing directories are left alone.
	if err := MkdirPrivate(dir); err != nil {
		t.Fatalf("MkdirPrivate (again): %v", err)
	}
}

func TestWritePrivate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")

	if err := WritePrivate(path, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("WritePrivate: %v", err)
	}
	if err := WritePrivate(path, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("WritePrivate (replace): %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("content = %s, want {\"v\":2}", got)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("perm = %04o, want 0600", perm)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1 (temp file left behind?)", len(entries))
	}
}

func TestWritePrivateMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "token.json")
	if err := WritePrivate(path, []byte("x")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
