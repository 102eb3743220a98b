// Package audit implements the append-only JSON-lines audit log (spec
// component C3): one line per applied or rejected mutation, with
// size-capped rotation and a bounded-tail read path for the /mutations
// endpoint.
//
// Grounded on internal/storage/bolt.go's LedgerEntry / AppendLedger /
// PruneOldLedgerEntries shape, reimplemented over a plain file instead of
// a BoltDB bucket (see SPEC_FULL.md §B) and swapping time-based retention
// for the spec's size-based rotation.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pulseagent/pulse/internal/mutation"
)

// Outcome is the recorded disposition of a mutation attempt.
type Outcome string

const (
	Applied  Outcome = "applied"
	Rejected Outcome = "rejected"
)

// Entry is a single audit log record, one JSON object per line.
type Entry struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      mutation.Kind `json:"kind"`
	Drive     string       `json:"drive,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Outcome   Outcome      `json:"outcome"`
	Rule      string       `json:"rule,omitempty"` // populated on rejection
	Before    float64      `json:"before,omitempty"`
	After     float64      `json:"after,omitempty"`
}

// DefaultMaxBytes is the spec's documented rotation threshold (5 MB).
const DefaultMaxBytes = 5 * 1024 * 1024

// Log is the append-only audit log, backed by a single JSONL file plus a
// same-named ".old" rotation target.
type Log struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
}

// Open returns a Log writing to path. The file is created on first Append
// if it does not exist; maxBytes <= 0 uses DefaultMaxBytes.
func Open(path string, maxBytes int64) *Log {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Log{path: path, maxBytes: maxBytes}
}

// Append writes one entry as a JSON line under an exclusive file lock,
// rotating to "<path>.old" (overwriting any prior rotation) if the file
// has grown past maxBytes.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		return errors.New("audit: entry timestamp must be set")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("audit: lock %s: %w", l.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("audit: write %s: %w", l.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat %s: %w", l.path, err)
	}
	if info.Size() > l.maxBytes {
		if err := os.Rename(l.path, l.path+".old"); err != nil {
			return fmt.Errorf("audit: rotate %s: %w", l.path, err)
		}
	}
	return nil
}

// Recent returns the last n audit entries in chronological order, n
// clamped to [1, 1000]. It reads a bounded tail of the file rather than
// loading it entirely (spec §4.5).
func (l *Log) Recent(n int) ([]Entry, error) {
	if n < 1 {
		n = 1
	}
	if n > 1000 {
		n = 1000
	}

	lines, err := tailLines(l.path, n)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue // a torn/partial line at the very front of the tail; skip it
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// tailLines returns up to the last n non-empty lines of the file at path,
// reading backward in fixed-size chunks instead of loading the whole file.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("audit: stat %s: %w", path, err)
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
			return nil, fmt.Errorf("audit: read %s: %w", path, err)
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
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
