package sensors

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFilesystemWatcherDetectsChange(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "drive.txt")
	if err := os.WriteFile(target, []byte("initial"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	w := NewFilesystemWatcher(dir)
	if err := w.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(target, []byte("changed"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.Read()
		if len(w.ChangedPaths()) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the rewrite to be observed as a change")
}

func TestFilesystemWatcherSuppressesSelfWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")
	if err := os.WriteFile(target, []byte("a"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	w := NewFilesystemWatcher(dir)
	if err := w.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer w.Stop()

	w.MarkSelfWrite(target)
	if err := os.WriteFile(target, []byte("b"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	// Give the watcher loop time to process the event and drop it as a
	// self-write; no amount of waiting should surface it as a change.
	time.Sleep(300 * time.Millisecond)
	w.Read()
	if paths := w.ChangedPaths(); len(paths) != 0 {
		t.Fatalf("expected self-write to be suppressed, got changed paths %v", paths)
	}
}

func TestFilesystemWatcherReadClearsBetweenCalls(t *testing.T) {
	dir := t.TempDir()
	w := NewFilesystemWatcher(dir)
	if err := w.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer w.Stop()

	target := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.Read()
		if len(w.ChangedPaths()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	w.Read()
	if paths := w.ChangedPaths(); len(paths) != 0 {
		t.Fatalf("expected second Read with no new events to be empty, got %v", paths)
	}
}
