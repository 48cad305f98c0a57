package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ConfigChange(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 8)

	w, err := NewWatcher(dir, WatchTargets{
		OnConfigChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("audit:\n  policy: strict\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConfigChange did not fire")
	}
}

func TestWatcher_CloseTwice(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), WatchTargets{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), WatchTargets{}); err == nil {
		t.Error("expected error for a missing directory")
	}
}
