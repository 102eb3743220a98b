package sensors

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSized(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate %s: %v", path, err)
	}
}

func TestConversationActivityIgnoresFilesUnderSizeFloor(t *testing.T) {
	dir := t.TempDir()
	writeSized(t, filepath.Join(dir, "small.log"), 10)

	c := NewConversationActivity(dir, 100*1024, time.Minute)
	c.Read()

	active, _ := c.Active(time.Now())
	if active {
		t.Fatal("expected no active session with only a tiny log file present")
	}
}

func TestConversationActivityActiveWithinWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.log")
	writeSized(t, path, 200*1024)

	c := NewConversationActivity(dir, 100*1024, 5*time.Minute)
	c.Read()

	active, secs := c.Active(time.Now())
	if !active {
		t.Fatal("expected active session right after writing the log file")
	}
	if secs < 0 || secs > 5 {
		t.Fatalf("secondsSinceLastMessage = %v, want near zero", secs)
	}
}

func TestConversationActivityPicksLargestFile(t *testing.T) {
	dir := t.TempDir()
	writeSized(t, filepath.Join(dir, "old.log"), 150*1024)
	time.Sleep(10 * time.Millisecond)
	bigPath := filepath.Join(dir, "big.log")
	writeSized(t, bigPath, 500*1024)

	c := NewConversationActivity(dir, 100*1024, time.Minute)
	c.Read()

	info, err := os.Stat(bigPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	active, secs := c.Active(info.ModTime().Add(time.Second))
	if !active {
		t.Fatal("expected active using the largest file's mtime")
	}
	if secs < 0 {
		t.Fatalf("unexpected negative elapsed: %v", secs)
	}
}

func TestConversationActivityNoFilesReportsInactive(t *testing.T) {
	dir := t.TempDir()
	c := NewConversationActivity(dir, 100*1024, time.Minute)
	c.Read()

	active, _ := c.Active(time.Now())
	if active {
		t.Fatal("expected inactive with an empty directory")
	}
}
