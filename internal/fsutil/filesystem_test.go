package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

// exercise runs the same checks against both implementations.
func exercise(t *testing.T, fsys FileSystem, root string) {
	t.Helper()
	dir := filepath.Join(root, "cal")
	file := filepath.Join(dir, "compass.json")

	if err := fsys.WriteFile(file, []byte("x"), 0o644); err == nil {
		t.Error("expected write into a missing directory to fail")
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := fsys.WriteFile(file+".tmp", []byte(`{"offset":1}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := fsys.Rename(file+".tmp", file); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if fsys.Exists(file + ".tmp") {
		t.Error("rename should remove the old name")
	}
	data, err := fsys.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"offset":1}` {
		t.Errorf("got %q", data)
	}
	if err := fsys.Remove(dir); err == nil {
		t.Error("expected removing a non-empty directory to fail")
	}
	if err := fsys.Remove(file); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := fsys.ReadFile(file); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if !fsys.Exists(dir) {
		t.Error("directory should still exist")
	}
}

func TestOSFileSystem(t *testing.T) {
	exercise(t, OSFileSystem{}, t.TempDir())
}

func TestMemoryFileSystem(t *testing.T) {
	exercise(t, NewMemoryFileSystem(), "/var/lib/navd")
}

func TestMemoryFileSystemCopiesData(t *testing.T) {
	m := NewMemoryFileSystem()
	buf := []byte("abc")
	if err := m.WriteFile("/a", buf, 0o644); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'z'
	got, _ := m.ReadFile("/a")
	got[1] = 'z'
	again, _ := m.ReadFile("/a")
	if string(again) != "abc" {
		t.Errorf("stored data was aliased: %q", again)
	}
}
