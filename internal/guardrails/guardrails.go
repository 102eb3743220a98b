// Package guardrails enforces value bounds, protected-drive invariants, and
// the per-hour mutation rate limit (spec component C7) before any mutation
// is allowed to reach the Drive Engine or Config.
//
// Grounded on internal/governance/constitutional.go's ParameterBounds /
// violation-type pattern, with the cryptographic Merkle-hash chain
// (DecisionHash/ParentHash) dropped — cryptographic audit integrity is an
// explicit non-goal here. The rolling-hour limiter keeps that file's
// mutex-protected-counter discipline but tracks a sliding timestamp window
// rather than a periodic full-refill bucket, since the window must survive
// a restart exactly.
package guardrails

import (
	"sync"
	"time"

	"github.com/pulseagent/pulse/internal/drive"
	"github.com/pulseagent/pulse/internal/mutation"
)

// Bounds holds the numeric limits from spec §4.4's guardrail table.
type Bounds struct {
	WeightMaxDelta  float64
	ThresholdMin    float64
	ThresholdMax    float64
	RateMin         float64
	RateMax         float64
	CooldownMin     time.Duration
	CooldownMax     time.Duration
	TurnsPerHourMin int
	TurnsPerHourMax int
	MaxManualDelta  float64
	MaxPerHour      int
}

// DefaultBounds returns the values documented in spec §4.4.
func DefaultBounds() Bounds {
	return Bounds{
		WeightMaxDelta:  0.1,
		ThresholdMin:    0.5,
		ThresholdMax:    50.0,
		RateMin:         0.001,
		RateMax:         1.0,
		CooldownMin:     60 * time.Second,
		CooldownMax:     7200 * time.Second,
		TurnsPerHourMin: 1,
		TurnsPerHourMax: 60,
		MaxManualDelta:  1.0,
		MaxPerHour:      20,
	}
}

// DriveLookup is the narrow view of the Drive Engine Guardrails needs.
type DriveLookup interface {
	Get(name string) (drive.Drive, bool)
}

// Result is the outcome of evaluating one mutation. Accepted mutations
// carry the resolved (clamped) value or delta the Mutator should actually
// apply; rejections carry the rule name for the audit entry.
type Result struct {
	Accepted      bool
	Rule          string
	ResolvedValue float64
	ResolvedDelta float64
}

func reject(rule string) Result { return Result{Accepted: false, Rule: rule} }

// Guardrails evaluates mutations against Bounds and the rolling-hour limit.
type Guardrails struct {
	bounds  Bounds
	limits  drive.Limits
	limiter *RateLimiter
}

// New creates a Guardrails using bounds for value ranges and limits for
// per-drive weight floors/ceilings (shared with the Drive Engine so
// protected-drive floors agree in one place).
func New(bounds Bounds, limits drive.Limits) *Guardrails {
	return &Guardrails{
		bounds:  bounds,
		limits:  limits,
		limiter: NewRateLimiter(bounds.MaxPerHour),
	}
}

// Limiter exposes the rate limiter for state persistence.
func (g *Guardrails) Limiter() *RateLimiter { return g.limiter }

// Bounds returns the configured bounds, e.g. for reporting max_per_hour
// alongside the limiter's remaining count.
func (g *Guardrails) Bounds() Bounds { return g.bounds }

// Evaluate validates a mutation and, if accepted, consumes one slot of the
// rolling-hour rate limit. Rejections never consume a slot (spec §4.4,
// "rejections never mutate").
func (g *Guardrails) Evaluate(m mutation.Mutation, drives DriveLookup, now time.Time) Result {
	res := g.evaluateKind(m, drives)
	if !res.Accepted {
		return res
	}
	if !g.limiter.Allow(now) {
		return reject("rate_limit_exceeded")
	}
	return res
}

func (g *Guardrails) evaluateKind(m mutation.Mutation, drives DriveLookup) Result {
	switch m.Kind {
	case mutation.AdjustWeight:
		return g.evalAdjustWeight(m, drives)
	case mutation.AdjustThreshold:
		return rangeCheck(m.Value, g.bounds.ThresholdMin, g.bounds.ThresholdMax, "threshold_out_of_range")
	case mutation.AdjustRate:
		return rangeCheck(m.Value, g.bounds.RateMin, g.bounds.RateMax, "rate_out_of_range")
	case mutation.AdjustCooldown:
		v := time.Duration(m.Value) * time.Second
		if v < g.bounds.CooldownMin || v > g.bounds.CooldownMax {
			return reject("cooldown_out_of_range")
		}
		return Result{Accepted: true, ResolvedValue: m.Value}
	case mutation.AdjustTurnsPerHour:
		n := int(m.Value)
		if n < g.bounds.TurnsPerHourMin || n > g.bounds.TurnsPerHourMax {
			return reject("turns_per_hour_out_of_range")
		}
		return Result{Accepted: true, ResolvedValue: m.Value}
	case mutation.AddDrive:
		return g.evalAddDrive(m, drives)
	case mutation.RemoveDrive:
		return g.evalRemoveDrive(m, drives)
	case mutation.SpikeDrive, mutation.DecayDrive:
		return g.evalSpikeOrDecay(m, drives)
	default:
		return reject("unknown_kind")
	}
}

func rangeCheck(v, min, max float64, rule string) Result {
	if v < min || v > max {
		return reject(rule)
	}
	return Result{Accepted: true, ResolvedValue: v}
}

func (g *Guardrails) evalAdjustWeight(m mutation.Mutation, drives DriveLookup) Result {
	if m.Drive == "" {
		return reject("missing_drive")
	}
	d, ok := drives.Get(m.Drive)
	if !ok {
		return reject("drive_not_found")
	}
	delta := clamp(m.Delta, -g.bounds.WeightMaxDelta, g.bounds.WeightMaxDelta)
	floor := g.limits.WMin
	if d.Protected {
		floor = g.limits.WProtectedMin
	}
	newWeight := clamp(d.Weight+delta, floor, g.limits.WMax)
	return Result{Accepted: true, ResolvedValue: newWeight, ResolvedDelta: newWeight - d.Weight}
}

func (g *Guardrails) evalAddDrive(m mutation.Mutation, drives DriveLookup) Result {
	if m.Drive == "" {
		return reject("invalid_name")
	}
	if _, exists := drives.Get(m.Drive); exists {
		return reject("already_exists")
	}
	return Result{Accepted: true, ResolvedValue: m.Value}
}

func (g *Guardrails) evalRemoveDrive(m mutation.Mutation, drives DriveLookup) Result {
	d, ok := drives.Get(m.Drive)
	if !ok {
		return reject("drive_not_found")
	}
	if d.Protected {
		return reject("protected_drive")
	}
	return Result{Accepted: true}
}

func (g *Guardrails) evalSpikeOrDecay(m mutation.Mutation, drives DriveLookup) Result {
	if _, ok := drives.Get(m.Drive); !ok {
		return reject("drive_not_found")
	}
	if m.Delta < -g.bounds.MaxManualDelta || m.Delta > g.bounds.MaxManualDelta {
		return reject("delta_out_of_range")
	}
	return Result{Accepted: true, ResolvedDelta: m.Delta}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// RateLimiter enforces "at most M mutations per rolling hour across all
// kinds" (spec §4.4). The timestamp set is the thing persisted across
// restarts, not a token count, so the window survives exactly.
type RateLimiter struct {
	mu         sync.Mutex
	window     time.Duration
	max        int
	timestamps []time.Time
}

// NewRateLimiter creates a RateLimiter with a one-hour rolling window.
func NewRateLimiter(max int) *RateLimiter {
	return &RateLimiter{window: time.Hour, max: max}
}

// Allow reports whether one more mutation may be accepted at now, and if
// so records its timestamp.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	if len(r.timestamps) >= r.max {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.timestamps) && r.timestamps[i].Before(cutoff) {
		i++
	}
	r.timestamps = r.timestamps[i:]
}

// Snapshot returns a copy of the currently tracked timestamps, for
// persistence.
func (r *RateLimiter) Snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.timestamps))
	copy(out, r.timestamps)
	return out
}

// Restore replaces the tracked timestamps, used when loading persisted
// state at startup.
func (r *RateLimiter) Restore(timestamps []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps = append([]time.Time(nil), timestamps...)
}

// Remaining reports how many mutation slots are left in the rolling window
// at now, for /state and /metrics reporting.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	rem := r.max - len(r.timestamps)
	if rem < 0 {
		rem = 0
	}
	return rem
}
