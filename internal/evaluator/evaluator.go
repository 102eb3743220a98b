// Package evaluator implements the Pulse trigger Evaluator (spec component
// C6): given drive state and sensor context, decide whether to wake the
// agent this tick and which drive is "top".
//
// Two implementations share the Evaluator interface: RuleEvaluator (pure
// threshold arithmetic) and ModelEvaluator (delegates to an external LLM,
// falling back to a RuleEvaluator in degraded mode). Both are grounded on
// internal/escalation/severity.go's sequential-threshold pattern
// (TargetState), adapted from "highest threshold crossed wins" to the
// spec's sum-then-floor-guard logic.
package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pulseagent/pulse/internal/drive"
)

// Context is the sensor summary passed into Decide: the narrow slice of
// sensor state the evaluator needs, assembled by the daemon each tick.
type Context struct {
	ConversationActive      bool
	SecondsSinceLastMessage float64
	Summary                 string // sensor_context free-form string (may be empty)
	WorkingMemoryHint       string // short hint passed to the model evaluator's prompt
}

// TriggerDecision is produced once per loop iteration (spec §3).
type TriggerDecision struct {
	ShouldTrigger    bool
	Reason           string
	TopDrive         string
	TopDrivePressure float64
	TotalPressure    float64
	SensorContext    string
	SuppressFor      time.Duration
}

// Evaluator decides whether to trigger now.
type Evaluator interface {
	Decide(drives []drive.Drive, ctx Context, now time.Time) TriggerDecision
	// Mode reports "rule", "model", or "degraded" for /state reporting.
	Mode() string
}

func weightedTotals(drives []drive.Drive) (total float64, topName string, topWeighted float64, hasTop bool) {
	best := -1.0
	for _, d := range drives {
		wp := d.WeightedPressure()
		total += wp
		if wp > best {
			best = wp
			topName = d.Name
			hasTop = true
		}
	}
	topWeighted = best
	return
}

// RuleEvaluator implements the threshold-based decision in spec §4.2.
type RuleEvaluator struct {
	TriggerThreshold         float64       // total_pressure >= this to consider triggering
	TriggerFloor             float64       // EXCEPTION-rule guard: top drive's weighted pressure must exceed this
	HighPressureThreshold    float64       // total_pressure above this forces an override
	IdleWindow               time.Duration // time since last conversation activity required for the override
	ActivityThresholdSeconds float64       // conversation is "active" within this many seconds
}

// DefaultRuleEvaluator returns the spec's documented default constants.
func DefaultRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{
		TriggerThreshold:         5.0,
		TriggerFloor:             1.5,
		HighPressureThreshold:    10.0,
		IdleWindow:               30 * time.Minute,
		ActivityThresholdSeconds: 300,
	}
}

// Mode always reports "rule".
func (r *RuleEvaluator) Mode() string { return "rule" }

// Decide implements Evaluator.
func (r *RuleEvaluator) Decide(drives []drive.Drive, ctx Context, now time.Time) TriggerDecision {
	total, topName, topWeighted, hasTop := weightedTotals(drives)
	if !hasTop {
		topWeighted = 0
	}

	base := TriggerDecision{
		TopDrive:         topName,
		TopDrivePressure: topWeighted,
		TotalPressure:    total,
		SensorContext:    ctx.Summary,
	}

	// High-pressure override: wins regardless of conversation state or
	// evaluator mode (spec §4.2).
	if total > r.HighPressureThreshold && ctx.SecondsSinceLastMessage > r.IdleWindow.Seconds() {
		base.ShouldTrigger = true
		base.Reason = "high pressure override"
		return base
	}

	// Conversation suppression.
	if ctx.ConversationActive && ctx.SecondsSinceLastMessage <= r.ActivityThresholdSeconds {
		base.ShouldTrigger = false
		base.Reason = "conversation suppressed"
		return base
	}

	// EXCEPTION-rule guard: total over threshold is not enough on its own;
	// at least one drive must individually clear the floor, preventing many
	// tiny drives from summing to a false trigger.
	if total >= r.TriggerThreshold && topWeighted > r.TriggerFloor {
		base.ShouldTrigger = true
		base.Reason = "threshold exceeded"
		return base
	}

	base.ShouldTrigger = false
	base.Reason = "below threshold"
	return base
}

// ModelResponse is what a ModelClient returns for one decide() call.
type ModelResponse struct {
	ShouldTrigger   bool
	Reason          string
	SuppressMinutes float64 // 0 or negative means "no suppression requested"
}

// ModelClient is the external collaborator the ModelEvaluator delegates to.
// Pulse treats the LLM itself as out of scope (spec §1); the daemon wires a
// real HTTP-backed implementation of this interface at startup.
type ModelClient interface {
	Ask(ctx context.Context, prompt string) (ModelResponse, error)
}

// ModelEvaluator composes a short prompt from drive/sensor state and asks
// an external model whether to trigger, falling back to a RuleEvaluator
// after N_fail consecutive failures (spec §4.2).
type ModelEvaluator struct {
	Client           ModelClient
	Fallback         *RuleEvaluator
	NFail            int
	RecoveryInterval time.Duration
	RequestTimeout   time.Duration

	mu                  sync.Mutex
	consecutiveFailures int
	degraded            bool
	lastProbeAt         time.Time
	suppressUntil       time.Time
}

// NewModelEvaluator creates a ModelEvaluator with the spec's documented
// defaults for N_fail (3) and recovery_interval (5m).
func NewModelEvaluator(client ModelClient, fallback *RuleEvaluator) *ModelEvaluator {
	return &ModelEvaluator{
		Client:           client,
		Fallback:         fallback,
		NFail:            3,
		RecoveryInterval: 5 * time.Minute,
		RequestTimeout:   10 * time.Second,
	}
}

// Mode reports "model" normally, "degraded" after N_fail consecutive
// failures until a recovery probe succeeds.
func (m *ModelEvaluator) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return "degraded"
	}
	return "model"
}

// Decide implements Evaluator.
func (m *ModelEvaluator) Decide(drives []drive.Drive, ctx Context, now time.Time) TriggerDecision {
	// High-pressure override always wins, even in model mode (spec §4.2).
	total, topName, topWeighted, hasTop := weightedTotals(drives)
	if !hasTop {
		topWeighted = 0
	}
	if total > m.Fallback.HighPressureThreshold && ctx.SecondsSinceLastMessage > m.Fallback.IdleWindow.Seconds() {
		return TriggerDecision{
			ShouldTrigger:    true,
			Reason:           "high pressure override",
			TopDrive:         topName,
			TopDrivePressure: topWeighted,
			TotalPressure:    total,
			SensorContext:    ctx.Summary,
		}
	}

	m.mu.Lock()
	suppressed := now.Before(m.suppressUntil)
	degraded := m.degraded
	dueForProbe := degraded && now.Sub(m.lastProbeAt) >= m.RecoveryInterval
	m.mu.Unlock()

	if suppressed {
		return TriggerDecision{
			ShouldTrigger:    false,
			Reason:           "suppressed by evaluator",
			TopDrive:         topName,
			TopDrivePressure: topWeighted,
			TotalPressure:    total,
			SensorContext:    ctx.Summary,
		}
	}

	if degraded && !dueForProbe {
		return m.Fallback.Decide(drives, ctx, now)
	}

	// Either healthy, or degraded-and-due-for-a-recovery-probe: try the model.
	prompt := composePrompt(drives, ctx, total, topName)
	reqCtx, cancel := context.WithTimeout(context.Background(), m.RequestTimeout)
	defer cancel()

	resp, err := m.Client.Ask(reqCtx, prompt)

	m.mu.Lock()
	// Stamp every actual attempt, not just probe attempts, so a fresh
	// degradation (lastProbeAt still its zero value) doesn't read as
	// "instantly due for a probe" on the very next Decide call.
	m.lastProbeAt = now
	if err != nil {
		m.consecutiveFailures++
		if m.consecutiveFailures >= m.NFail {
			m.degraded = true
		}
		m.mu.Unlock()
		return m.Fallback.Decide(drives, ctx, now)
	}
	// Success: restore model mode and reset the failure counter.
	m.consecutiveFailures = 0
	m.degraded = false
	if resp.SuppressMinutes > 0 {
		m.suppressUntil = now.Add(time.Duration(resp.SuppressMinutes * float64(time.Minute)))
	}
	m.mu.Unlock()

	return TriggerDecision{
		ShouldTrigger:    resp.ShouldTrigger,
		Reason:           resp.Reason,
		TopDrive:         topName,
		TopDrivePressure: topWeighted,
		TotalPressure:    total,
		SensorContext:    ctx.Summary,
	}
}

// composePrompt builds a short structured prompt from drive state, sensor
// summary, and a working-memory hint (spec §4.2).
func composePrompt(drives []drive.Drive, ctx Context, total float64, top string) string {
	names := make([]string, 0, len(drives))
	for _, d := range drives {
		names = append(names, fmt.Sprintf("%s(p=%.2f,w=%.2f)", d.Name, d.Pressure, d.Weight))
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "drives: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "total_weighted_pressure: %.2f\n", total)
	fmt.Fprintf(&b, "top_drive: %s\n", top)
	fmt.Fprintf(&b, "conversation_active: %v (last message %.0fs ago)\n",
		ctx.ConversationActive, ctx.SecondsSinceLastMessage)
	if ctx.Summary != "" {
		fmt.Fprintf(&b, "sensor_context: %s\n", ctx.Summary)
	}
	if ctx.WorkingMemoryHint != "" {
		fmt.Fprintf(&b, "working_memory: %s\n", ctx.WorkingMemoryHint)
	}
	b.WriteString("Should the agent be woken now? Reply with should_trigger, reason, and optional suppress_minutes.")
	return b.String()
}
