// Package mutator implements the Mutator (spec component C8): it drains
// the mutation queue file and HTTP submissions, validates each mutation
// through Guardrails, applies accepted mutations to the Drive Engine or
// mutable config, and writes an audit entry for every mutation, accepted
// or rejected.
//
// Grounded on internal/operator/server.go's Request/Response/dispatch-by-
// cmd pattern, retargeted from a Unix-socket protocol to file-queue + HTTP
// intake. File locking uses golang.org/x/sys/unix.Flock, the same
// dependency the teacher imports (there for capability-dropping, unused
// for anything functional in the teacher) repurposed for its documented
// real use: an advisory exclusive lock held across the entire
// read-modify-write of the queue file.
package mutator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pulseagent/pulse/internal/audit"
	"github.com/pulseagent/pulse/internal/drive"
	"github.com/pulseagent/pulse/internal/guardrails"
	"github.com/pulseagent/pulse/internal/mutation"
)

// MutableConfig is the subset of daemon-level config the Mutator may
// change outside the Drive Engine (trigger_threshold, cooldown,
// max_turns_per_hour). Implemented by internal/config.Config.
type MutableConfig interface {
	TriggerThreshold() float64
	SetTriggerThreshold(float64)
	CooldownSeconds() float64
	SetCooldown(time.Duration)
	MaxTurnsPerHour() int
	SetMaxTurnsPerHour(int)
}

// Mutator serializes mutation application under one mutex so the file
// queue and HTTP intake never race (spec §4.4).
type Mutator struct {
	mu sync.Mutex

	drives     *drive.Engine
	guardrails *guardrails.Guardrails
	auditLog   *audit.Log
	config     MutableConfig
	queuePath  string
}

// New creates a Mutator wired to its collaborators.
func New(drives *drive.Engine, g *guardrails.Guardrails, auditLog *audit.Log, cfg MutableConfig, queuePath string) *Mutator {
	return &Mutator{
		drives:     drives,
		guardrails: g,
		auditLog:   auditLog,
		config:     cfg,
		queuePath:  queuePath,
	}
}

// ApplyNow validates and applies a single mutation immediately, under the
// same mutex Drain uses, so the HTTP `/config` path and the file queue
// never race (spec §4.4: "the Mutator serializes applications under a
// mutex so HTTP and file-queue paths cannot race"). Used by the health
// server so it can return 200/400 synchronously.
func (m *Mutator) ApplyNow(mut mutation.Mutation, now time.Time) audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(mut, now)
}

// Drain reads and clears the mutation queue file under an exclusive lock,
// then applies every well-formed mutation in submission order. A
// malformed element is isolated: it is rejected into the audit log and
// the batch continues (spec §4.4).
func (m *Mutator) Drain(now time.Time) ([]audit.Entry, error) {
	muts, malformed, err := m.drainQueueFile()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]audit.Entry, 0, len(muts)+malformed)
	for i := 0; i < malformed; i++ {
		entries = append(entries, m.recordMalformed(now))
	}
	for _, mt := range muts {
		entries = append(entries, m.apply(mt, now))
	}
	return entries, nil
}

// apply runs one mutation through Guardrails and, if accepted, applies its
// effect and writes an audit entry. Caller must hold m.mu.
func (m *Mutator) apply(mut mutation.Mutation, now time.Time) audit.Entry {
	if mut.SubmittedAt.IsZero() {
		mut.SubmittedAt = now
	}

	res := m.guardrails.Evaluate(mut, m.drives, now)
	entry := audit.Entry{
		Timestamp: now,
		Kind:      mut.Kind,
		Drive:     mut.Drive,
		Reason:    mut.Reason,
	}

	if !res.Accepted {
		entry.Outcome = audit.Rejected
		entry.Rule = res.Rule
		m.auditLog.Append(entry)
		return entry
	}

	entry.Outcome = audit.Applied
	m.applyEffect(mut, res, &entry)
	m.auditLog.Append(entry)
	return entry
}

func (m *Mutator) applyEffect(mut mutation.Mutation, res guardrails.Result, entry *audit.Entry) {
	switch mut.Kind {
	case mutation.AdjustWeight:
		before, _ := m.drives.Get(mut.Drive)
		entry.Before = before.Weight
		m.drives.SetWeight(mut.Drive, res.ResolvedValue)
		entry.After = res.ResolvedValue

	case mutation.AdjustThreshold:
		entry.Before = m.config.TriggerThreshold()
		m.config.SetTriggerThreshold(res.ResolvedValue)
		entry.After = res.ResolvedValue

	case mutation.AdjustRate:
		entry.Before = m.drives.PressureRate()
		m.drives.SetPressureRate(res.ResolvedValue)
		entry.After = res.ResolvedValue

	case mutation.AdjustCooldown:
		entry.Before = m.config.CooldownSeconds()
		m.config.SetCooldown(time.Duration(res.ResolvedValue) * time.Second)
		entry.After = res.ResolvedValue

	case mutation.AdjustTurnsPerHour:
		entry.Before = float64(m.config.MaxTurnsPerHour())
		m.config.SetMaxTurnsPerHour(int(res.ResolvedValue))
		entry.After = res.ResolvedValue

	case mutation.AddDrive:
		m.drives.AddDrive(mut.Drive, mut.Value, mut.Sources)
		entry.After = mut.Value

	case mutation.RemoveDrive:
		m.drives.RemoveDrive(mut.Drive)

	case mutation.SpikeDrive:
		before, _ := m.drives.Get(mut.Drive)
		entry.Before = before.Pressure
		m.drives.Spike(mut.Drive, res.ResolvedDelta)
		after, _ := m.drives.Get(mut.Drive)
		entry.After = after.Pressure

	case mutation.DecayDrive:
		before, _ := m.drives.Get(mut.Drive)
		entry.Before = before.Pressure
		m.drives.Decay(mut.Drive, res.ResolvedDelta)
		after, _ := m.drives.Get(mut.Drive)
		entry.After = after.Pressure
	}
}

func (m *Mutator) recordMalformed(now time.Time) audit.Entry {
	entry := audit.Entry{Timestamp: now, Outcome: audit.Rejected, Rule: "malformed_mutation"}
	m.auditLog.Append(entry)
	return entry
}

// drainQueueFile reads mutations.json under an exclusive lock held across
// read, parse, and clear, then writes "[]" back before releasing the lock
// (spec §4.4, §6 "Bit-exact points": unlock only after the replacement
// content is durable). A missing file means an empty queue, not an error.
func (m *Mutator) drainQueueFile() (muts []mutation.Mutation, malformed int, err error) {
	f, err := os.OpenFile(m.queuePath, os.O_RDWR|os.O_CREATE, 0o644)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("mutator: open %s: %w", m.queuePath, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return nil, 0, fmt.Errorf("mutator: lock %s: %w", m.queuePath, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, fmt.Errorf("mutator: read %s: %w", m.queuePath, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			malformed++ // the whole payload isn't even a JSON array
		} else {
			for _, raw := range raws {
				var mt mutation.Mutation
				if err := json.Unmarshal(raw, &mt); err != nil {
					malformed++
					continue
				}
				mt.Normalize()
				muts = append(muts, mt)
			}
		}
	}

	if err := clearFile(f); err != nil {
		return nil, 0, fmt.Errorf("mutator: clear %s: %w", m.queuePath, err)
	}
	return muts, malformed, nil
}

func clearFile(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write([]byte("[]")); err != nil {
		return err
	}
	return f.Sync()
}
