package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pulseagent/pulse/internal/drive"
)

func TestLoadMissingFileReturnsNilNotError(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state, got %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)

	st := State{
		Drives:             []drive.Drive{{Name: "goals", Weight: 1.0, Pressure: 3.5}},
		TotalTriggers:      7,
		MutationTimestamps: []int64{100, 200},
	}
	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Version != CurrentVersion {
		t.Fatalf("Version = %d, want %d", loaded.Version, CurrentVersion)
	}
	if loaded.SavedAt == 0 {
		t.Fatalf("SavedAt not populated")
	}
	if len(loaded.Drives) != 1 || loaded.Drives[0].Name != "goals" {
		t.Fatalf("Drives mismatch: %+v", loaded.Drives)
	}
	if loaded.TotalTriggers != 7 {
		t.Fatalf("TotalTriggers = %d, want 7", loaded.TotalTriggers)
	}
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := Open(path)
	if err := s.Save(State{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only state.json in dir, got %v", entries)
	}
}

func TestTriggerHistoryAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigger_history.jsonl")
	h := OpenTriggerHistory(path, 0)

	for i := 0; i < 4; i++ {
		if err := h.Append(TriggerHistoryEntry{Timestamp: int64(i), TopDrive: "goals"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := h.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[1].Timestamp != 3 {
		t.Fatalf("last entry timestamp = %d, want 3", entries[1].Timestamp)
	}
}

func TestProcessLockExcludesSecondAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")
	l1 := NewProcessLock(path)
	if err := l1.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Release()

	l2 := NewProcessLock(path)
	if err := l2.Acquire(); err == nil {
		t.Fatalf("second Acquire should fail while first holds the lock")
	}
}

func TestProcessLockReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")
	l1 := NewProcessLock(path)
	if err := l1.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2 := NewProcessLock(path)
	if err := l2.Acquire(); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	l2.Release()
}

func TestProcessLockStaleEntryWithDeadPIDIsCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.pid")
	// A PID that is vanishingly unlikely to be alive.
	if err := os.WriteFile(path, []byte("999999\n"), 0o644); err != nil {
		t.Fatalf("seed stale lock file: %v", err)
	}

	l := NewProcessLock(path)
	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire over stale dead-PID lock: %v", err)
	}
	l.Release()
}
