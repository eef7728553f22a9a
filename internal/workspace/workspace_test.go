package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateAndCleanup(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a, err := m.Create("site")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := m.Create("site")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct directories per attempt")
	}
	if err := m.Cleanup(a); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed", a)
	}
	if err := m.Cleanup(filepath.Dir(m.Root())); err == nil {
		t.Fatal("expected refusal outside root")
	}
	if _, err := m.Create("../escape"); err == nil {
		t.Fatal("expected refusal of path-like label")
	}
}

func TestSweepRemovesStaleDirectories(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stale, _ := m.Create("old")
	fresh, _ := m.Create("new")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := m.Sweep(time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh workspace removed: %v", err)
	}
}
