// Package statestore implements Pulse's crash-safe persistence (spec
// component C2): the atomic state file, the append-only rotating trigger
// history, and the process lock that keeps one daemon per state
// directory.
//
// Grounded on internal/storage/bolt.go's bucket/record design (the
// `drives`, `config_overrides`, `mutation_timestamps` keys mirror that
// file's `baselines`/`ledger`/`meta` buckets) and its open/retention/
// failure-mode documentation style, reimplemented against plain files
// instead of BoltDB per SPEC_FULL.md §B ("Bit-exact points": atomic write
// is same-directory tempfile + fsync + rename, not bbolt's own ACID
// transactions).
package statestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pulseagent/pulse/internal/drive"
)

// CurrentVersion is the schema tag written into every saved state file.
const CurrentVersion = 1

// LastTrigger records the most recent dispatched trigger.
type LastTrigger struct {
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// TriggerHistoryEntry is one append-only trigger-history record (spec
// glossary: TriggerHistoryEntry).
type TriggerHistoryEntry struct {
	Timestamp        int64   `json:"timestamp"`
	Reason           string  `json:"reason"`
	TopDrive         string  `json:"top_drive"`
	TotalPressure    float64 `json:"total_pressure"`
	WebhookStatus    string  `json:"webhook_status"`
	DispatchedTurnID string  `json:"dispatched_turn_id,omitempty"`
}

// State is the full persisted snapshot written to state.json.
type State struct {
	Version            int                    `json:"version"`
	SavedAt            int64                  `json:"saved_at"`
	Drives             []drive.Drive          `json:"drives"`
	TotalTriggers      uint64                 `json:"total_triggers"`
	ConfigOverrides    map[string]interface{} `json:"config_overrides,omitempty"`
	LastTrigger        *LastTrigger           `json:"last_trigger,omitempty"`
	MutationTimestamps []int64                `json:"mutation_timestamps,omitempty"`

	// TriggerTimestamps is the rolling-hour window backing
	// max_turns_per_hour (spec §4.9: "the hourly window is a rolling set
	// of timestamps persisted across restarts"), kept distinct from the
	// Guardrails mutation-rate window since the two limits are unrelated.
	TriggerTimestamps []int64 `json:"trigger_timestamps,omitempty"`
}

// Store manages the atomic state file.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store writing to path. The directory must already exist.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file. A missing file is not an error: it returns
// (nil, nil) so the daemon can fall back to config defaults on first run.
// An unreadable-but-present file is a permanent I/O error (spec §7): the
// daemon must refuse to start rather than silently lose state.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: read %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("statestore: corrupt state file %s: %w", s.path, err)
	}
	return &st, nil
}

// Save atomically writes st: a sibling tempfile in the same directory,
// fsync, then rename over the target, so readers always see either the
// old or the new complete file (spec §4.5, "Bit-exact points").
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Version = CurrentVersion
	if st.SavedAt == 0 {
		st.SavedAt = time.Now().Unix()
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statestore: marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create tempfile in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close tempfile: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("statestore: rename %s -> %s: %w", tmpPath, s.path, err)
	}
	return nil
}

// DefaultTriggerHistoryMaxBytes mirrors the audit log's default rotation
// threshold; trigger history "follows the same size cap / rotation
// policy" (spec §4.5).
const DefaultTriggerHistoryMaxBytes = 5 * 1024 * 1024

// TriggerHistory is the append-only, size-rotated JSONL log of dispatched
// triggers, read back via a bounded tail the same way the audit log is.
type TriggerHistory struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
}

// OpenTriggerHistory returns a TriggerHistory writing to path.
func OpenTriggerHistory(path string, maxBytes int64) *TriggerHistory {
	if maxBytes <= 0 {
		maxBytes = DefaultTriggerHistoryMaxBytes
	}
	return &TriggerHistory{path: path, maxBytes: maxBytes}
}

// Append records one trigger-history entry under an exclusive file lock,
// rotating to "<path>.old" if the file has grown past maxBytes.
func (h *TriggerHistory) Append(e TriggerHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: open %s: %w", h.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("statestore: lock %s: %w", h.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("statestore: marshal trigger history entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("statestore: write %s: %w", h.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("statestore: stat %s: %w", h.path, err)
	}
	if info.Size() > h.maxBytes {
		if err := os.Rename(h.path, h.path+".old"); err != nil {
			return fmt.Errorf("statestore: rotate %s: %w", h.path, err)
		}
	}
	return nil
}

// Recent returns the last n trigger-history entries, n clamped to
// [1, 1000], via a bounded tail read.
func (h *TriggerHistory) Recent(n int) ([]TriggerHistoryEntry, error) {
	if n < 1 {
		n = 1
	}
	if n > 1000 {
		n = 1000
	}
	lines, err := tailLines(h.path, n)
	if err != nil {
		return nil, err
	}
	entries := make([]TriggerHistoryEntry, 0, len(lines))
	for _, line := range lines {
		var e TriggerHistoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("statestore: stat %s: %w", path, err)
	}

	const chunkSize = 64 * 1024
	pos := info.Size()
	var buf []byte
	var lines []string

	for pos > 0 {
		readSize := int64(chunkSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, fmt.Errorf("statestore: read %s: %w", path, err)
		}
		buf = append(chunk, buf...)
		lines = splitNonEmpty(buf)
		if len(lines) > n {
			break
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func splitNonEmpty(buf []byte) []string {
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ErrLockHeld is returned by Acquire when a live peer holds the lock.
var ErrLockHeld = errors.New("statestore: lock held by a live process")

// ProcessLock is the exclusive per-state-directory lock (spec §4.5,
// "pulse.pid"): at most one daemon runs against a given state directory at
// a time. Staleness is detected by checking whether the recorded PID is
// still alive, not by the lock file's mere existence.
type ProcessLock struct {
	path string
	file *os.File
}

// NewProcessLock returns a ProcessLock for the given pid file path.
func NewProcessLock(path string) *ProcessLock {
	return &ProcessLock{path: path}
}

// Acquire takes the lock, clearing a stale entry left by a dead process.
// Returns ErrLockHeld if a live process owns it.
func (l *ProcessLock) Acquire() error {
	if existing, err := readPID(l.path); err == nil && existing > 0 && pidAlive(existing) {
		return ErrLockHeld
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: open lock file %s: %w", l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return ErrLockHeld
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("statestore: truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return fmt.Errorf("statestore: write lock file: %w", err)
	}

	l.file = f
	return nil
}

// Release unlocks and removes the pid file.
func (l *ProcessLock) Release() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	return os.Remove(l.path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(bytes.TrimSpace(data)), "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// pidAlive reports whether pid names a live process, using signal 0
// (no-op, delivery is just a liveness/permission probe).
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but we can't signal it - still alive.
	return errors.Is(err, syscall.EPERM)
}
