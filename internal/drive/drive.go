// Package drive implements the Pulse Drive Engine (spec component C5).
//
// A Drive is a named motivational channel accumulating pressure over time
// and decaying when the agent reports it addressed. The engine is the only
// writer of drive state; everything else (sensors, the evaluator, the
// mutator) reads snapshots or calls the bounded mutation methods below.
//
// Formula (spec §4.1):
//
//	pressure += pressure_rate * (dt/60s) * weight
//
// pressure_rate is per-minute; dt is seconds. Source-change spikes and
// sensor-supplied spike directives are applied after the time-based
// accumulation step, in that order.
//
// Grounded on internal/escalation/pressure.go's accumulator-under-mutex
// discipline and internal/escalation/severity.go's weight/threshold table
// shape (here: per-drive weight instead of one global weight vector).
package drive

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulseagent/pulse/internal/clock"
)

// Outcome is the result the agent reports for a feedback submission.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Drive is a single motivational channel.
type Drive struct {
	Name          string    `json:"name"`
	Weight        float64   `json:"weight"`
	Pressure      float64   `json:"pressure"`
	LastAddressed time.Time `json:"last_addressed"`
	Sources       []string  `json:"sources"`
	Protected     bool      `json:"protected"`
	CreatedAt     time.Time `json:"created_at"`
}

// WeightedPressure returns pressure * weight.
func (d Drive) WeightedPressure() float64 { return d.Pressure * d.Weight }

// Limits holds the clamp bounds shared by every drive in an Engine.
type Limits struct {
	PMax          float64 // pressure ceiling, all drives
	WMin          float64 // weight floor, non-protected drives
	WMax          float64 // weight ceiling, all drives
	WProtectedMin float64 // weight floor, protected drives
}

// DefaultLimits returns the spec's default clamp bounds.
func DefaultLimits() Limits {
	return Limits{PMax: 20.0, WMin: 0.0, WMax: 3.0, WProtectedMin: 0.5}
}

// SpikeDirective is a sensor-supplied (drive_name, delta) pair applied
// after time-based accumulation in a tick.
type SpikeDirective struct {
	Drive string
	Delta float64
}

// Snapshot is the persistable form of the engine's state (spec "drives" key).
type Snapshot struct {
	Drives         []Drive   `json:"drives"`
	TotalTriggers  uint64    `json:"total_triggers"`
	LastEvaluation time.Time `json:"last_evaluation"`
}

// Engine owns all Drive state. Safe for concurrent use; only the main loop
// and the Mutator call its mutating methods (spec §5: "no other task mutates
// these").
type Engine struct {
	mu sync.Mutex

	clock  clock.Clock
	limits Limits

	// pressureRate and sourceSpikeAmount are the mutable subset the Mutator
	// may adjust (adjust_rate; source-spike amount is not itself mutable by
	// the agent in this spec, but kept as a field for symmetry with the
	// config defaults).
	pressureRate     float64
	sourceSpikeAmount float64

	order  []string // insertion order, for stable tie-breaking
	drives map[string]*Drive

	totalTriggers  uint64
	lastEvaluation time.Time
}

// New creates an empty Engine.
func New(c clock.Clock, limits Limits, pressureRate, sourceSpikeAmount float64) *Engine {
	return &Engine{
		clock:             c,
		limits:            limits,
		pressureRate:      pressureRate,
		sourceSpikeAmount: sourceSpikeAmount,
		order:             nil,
		drives:            make(map[string]*Drive),
	}
}

// clampPressure clamps p to [0, PMax].
func (e *Engine) clampPressure(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > e.limits.PMax {
		return e.limits.PMax
	}
	return p
}

// clampWeight clamps w to the floor appropriate for protected/non-protected.
func (e *Engine) clampWeight(w float64, protected bool) float64 {
	floor := e.limits.WMin
	if protected {
		floor = e.limits.WProtectedMin
	}
	if w < floor {
		return floor
	}
	if w > e.limits.WMax {
		return e.limits.WMax
	}
	return w
}

// LoadDrive installs a drive directly, bypassing the already_exists check.
// Used at startup to build the engine from config defaults or a persisted
// snapshot. If a drive with the same name already exists it is replaced.
func (e *Engine) LoadDrive(d Drive) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d.Pressure = e.clampPressure(d.Pressure)
	d.Weight = e.clampWeight(d.Weight, d.Protected)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = e.clock.Now()
	}
	if _, exists := e.drives[d.Name]; !exists {
		e.order = append(e.order, d.Name)
	}
	cp := d
	e.drives[d.Name] = &cp
}

// ErrAlreadyExists is returned by AddDrive when the name is taken.
var ErrAlreadyExists = fmt.Errorf("already_exists")

// ErrNotFound is returned by operations on an unknown drive name.
var ErrNotFound = fmt.Errorf("drive_not_found")

// ErrProtected is returned by RemoveDrive on a protected drive.
var ErrProtected = fmt.Errorf("protected_drive")

// AddDrive adds a new, non-protected drive (spec §4.1: add_drive).
func (e *Engine) AddDrive(name string, weight float64, sources []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.drives[name]; exists {
		return ErrAlreadyExists
	}
	now := e.clock.Now()
	d := &Drive{
		Name:      name,
		Weight:    e.clampWeight(weight, false),
		Pressure:  0,
		Sources:   append([]string(nil), sources...),
		Protected: false,
		CreatedAt: now,
	}
	e.drives[name] = d
	e.order = append(e.order, name)
	return nil
}

// RemoveDrive removes a non-protected drive (spec §4.1: remove_drive).
func (e *Engine) RemoveDrive(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, exists := e.drives[name]
	if !exists {
		return ErrNotFound
	}
	if d.Protected {
		return ErrProtected
	}
	delete(e.drives, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetPressureRate updates the global per-minute pressure accumulation rate
// (spec: adjust_rate mutation kind, bounds enforced by Guardrails).
func (e *Engine) SetPressureRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pressureRate = rate
}

// PressureRate returns the current per-minute accumulation rate.
func (e *Engine) PressureRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pressureRate
}

// SetWeight updates a drive's weight, clamped to its floor/ceiling. The
// caller (Guardrails) is responsible for enforcing the ±0.1-per-call delta
// bound before calling this.
func (e *Engine) SetWeight(name string, weight float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return ErrNotFound
	}
	d.Weight = e.clampWeight(weight, d.Protected)
	return nil
}

// Tick advances time-based pressure accumulation, applies source-change
// spikes, then sensor-supplied spike directives, in that order (spec §4.1).
//
// changedSources maps a source descriptor (file path or sensor key) to
// whether it changed since the previous tick. A drive whose sources set
// intersects a changed key receives one bounded spike, not one per source.
func (e *Engine) Tick(dt time.Duration, changedSources map[string]bool, directives []SpikeDirective) {
	e.mu.Lock()
	defer e.mu.Unlock()

	minutes := dt.Seconds() / 60.0
	for _, name := range e.order {
		d := e.drives[name]
		d.Pressure = e.clampPressure(d.Pressure + e.pressureRate*minutes*d.Weight)

		for _, src := range d.Sources {
			if changedSources[src] {
				d.Pressure = e.clampPressure(d.Pressure + e.sourceSpikeAmount)
				break
			}
		}
	}

	for _, dir := range directives {
		if d, ok := e.drives[dir.Drive]; ok {
			d.Pressure = e.clampPressure(d.Pressure + dir.Delta)
		}
		// Unknown drive name in a sensor directive: silently ignored, matches
		// the "removing a drive named by current feedback-in-flight" no-op
		// policy for any stale reference to a drive name.
	}

	e.lastEvaluation = e.clock.Now()
}

// Spike applies a bounded manual pressure increase to one drive (spec
// §4.1: spike). delta bounds (max_manual_delta) are enforced by Guardrails
// before this is called; Drive Engine only clamps to [0, p_max].
func (e *Engine) Spike(name string, delta float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return ErrNotFound
	}
	d.Pressure = e.clampPressure(d.Pressure + delta)
	return nil
}

// Decay applies a bounded manual pressure decrease to one drive (spec
// §4.1: decay).
func (e *Engine) Decay(name string, delta float64) error {
	return e.Spike(name, -delta)
}

// FeedbackResult reports one drive's pressure change from a feedback call.
type FeedbackResult struct {
	Name   string
	Before float64
	After  float64
}

// ApplyFeedback decays drives per the agent's post-hoc report (spec §4.1,
// §4.8 /feedback). Addressed drives receive a full decay at decayRate =
// f(outcome); every other drive with nonzero pressure at call time receives
// a proportional decay scaled by its share of total weighted pressure and
// proportionalFactor, preventing an immediate retrigger from secondary
// drives (spec §8 scenario 2). outcome=failure applies no decay anywhere,
// but LastAddressed is still recorded for drives named in addressed.
//
// successDecay is the configured success_decay; proportionalFactor is the
// tunable ×2-style scale described in spec §9 (open question 2).
func (e *Engine) ApplyFeedback(addressed []string, outcome Outcome, successDecay, proportionalFactor float64) []FeedbackResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var decayRate float64
	switch outcome {
	case OutcomeSuccess:
		decayRate = successDecay
	case OutcomePartial:
		decayRate = successDecay / 2
	case OutcomeFailure:
		decayRate = 0
	}

	total := 0.0
	for _, name := range e.order {
		total += e.drives[name].WeightedPressure()
	}

	addressedSet := make(map[string]bool, len(addressed))
	for _, n := range addressed {
		addressedSet[n] = true
	}

	now := e.clock.Now()
	results := make([]FeedbackResult, 0, len(e.order))
	for _, name := range e.order {
		d := e.drives[name]
		before := d.Pressure

		if addressedSet[name] {
			d.LastAddressed = now
			if decayRate > 0 {
				d.Pressure = e.clampPressure(d.Pressure * (1 - decayRate))
			}
		} else if decayRate > 0 && total > 0 && d.Pressure > 0 {
			share := d.WeightedPressure() / total
			applied := decayRate * share * proportionalFactor
			if applied > 1 {
				applied = 1
			}
			if applied < 0 {
				applied = 0
			}
			d.Pressure = e.clampPressure(d.Pressure * (1 - applied))
		}

		results = append(results, FeedbackResult{Name: name, Before: before, After: d.Pressure})
	}
	return results
}

// PerformanceSample is one drive's rolling outcome quality, used by
// EvolveWeights (spec §4.1: evolve_weights).
type PerformanceSample struct {
	Drive   string
	Quality float64 // e.g. mean of recent feedback outcome scores, [-1, 1]
}

// EvolveWeights nudges each named drive's weight toward its recent
// performance, bounded to ±maxDelta per call and clamped to the drive's
// floor/ceiling. Positive quality increases weight, negative decreases it.
func (e *Engine) EvolveWeights(history []PerformanceSample, maxDelta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range history {
		d, ok := e.drives[s.Drive]
		if !ok {
			continue
		}
		delta := s.Quality * maxDelta
		if delta > maxDelta {
			delta = maxDelta
		}
		if delta < -maxDelta {
			delta = -maxDelta
		}
		d.Weight = e.clampWeight(d.Weight+delta, d.Protected)
	}
}

// TotalWeightedPressure returns the sum of weighted pressure across all
// drives.
func (e *Engine) TotalWeightedPressure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0.0
	for _, name := range e.order {
		total += e.drives[name].WeightedPressure()
	}
	return total
}

// TopDrive returns the name and weighted pressure of the drive with the
// highest weighted pressure, breaking ties by insertion order (spec §4.2:
// "ties... broken by insertion order of drives (stable)").
func (e *Engine) TopDrive() (name string, weightedPressure float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	best := -1.0
	for _, n := range e.order {
		wp := e.drives[n].WeightedPressure()
		if wp > best {
			best = wp
			name = n
			ok = true
		}
	}
	return name, best, ok
}

// Get returns a copy of the named drive.
func (e *Engine) Get(name string) (Drive, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[name]
	if !ok {
		return Drive{}, false
	}
	return *d, true
}

// Names returns drive names in insertion order.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// All returns a copy of every drive, in insertion order.
func (e *Engine) All() []Drive {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Drive, 0, len(e.order))
	for _, n := range e.order {
		out = append(out, *e.drives[n])
	}
	return out
}

// IncrementTriggers bumps the lifetime trigger counter (called by the
// daemon after a successful webhook dispatch).
func (e *Engine) IncrementTriggers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalTriggers++
}

// TotalTriggers returns the lifetime trigger counter.
func (e *Engine) TotalTriggers() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalTriggers
}

// Snapshot returns the persistable state of the engine (spec §4.1:
// snapshot/restore).
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	drives := make([]Drive, 0, len(e.order))
	for _, n := range e.order {
		drives = append(drives, *e.drives[n])
	}
	return Snapshot{
		Drives:         drives,
		TotalTriggers:  e.totalTriggers,
		LastEvaluation: e.lastEvaluation,
	}
}

// Restore replaces engine state with a snapshot (spec §4.1: restore).
// Drive order follows the snapshot's order, which callers should keep
// stable across save/restore cycles.
func (e *Engine) Restore(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drives = make(map[string]*Drive, len(s.Drives))
	e.order = make([]string, 0, len(s.Drives))
	for _, d := range s.Drives {
		cp := d
		e.drives[d.Name] = &cp
		e.order = append(e.order, d.Name)
	}
	e.totalTriggers = s.TotalTriggers
	e.lastEvaluation = s.LastEvaluation
}

// SortedNames returns drive names sorted alphabetically, useful for
// deterministic output in /state and /metrics where insertion order isn't
// load-bearing.
func (e *Engine) SortedNames() []string {
	names := e.Names()
	sort.Strings(names)
	return names
}
